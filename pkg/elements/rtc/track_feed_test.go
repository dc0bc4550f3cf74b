package rtc_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

type scriptedReader struct {
	packets []*rtp.Packet
	errs    []error
}

func (r *scriptedReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, nil, err
	}
	if len(r.packets) == 0 {
		return nil, nil, io.EOF
	}
	p := r.packets[0]
	r.packets = r.packets[1:]
	return p, nil, nil
}

type recordingFeeder struct {
	pts  []int64
	eos  atomic.Int32
	fail bool
}

func (f *recordingFeeder) WriteData(data []byte, pts int64) error {
	if len(data) == 0 {
		f.eos.Add(1)
		return nil
	}
	if f.fail {
		return errors.New("full")
	}
	f.pts = append(f.pts, pts)
	return nil
}

func opusPackets(t *testing.T, n int, startTS uint32) []*rtp.Packet {
	t.Helper()
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	require.NoError(t, err)
	pcm := make([]byte, 960*2)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	var out []*rtp.Packet
	for i := 0; i < n; i++ {
		buf := make([]byte, 1275)
		size, err := enc.Encode(utils.ByteSliceToInt16Slice(pcm), buf)
		require.NoError(t, err)
		out = append(out, &rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: startTS + uint32(i)*960},
			Payload: buf[:size],
		})
	}
	return out
}

func TestTrackFeedTimestamps(t *testing.T) {
	// starts just before the 32-bit wrap
	reader := &scriptedReader{
		packets: opusPackets(t, 3, ^uint32(0)-959),
		errs:    []error{errors.New("transient")},
	}
	feeder := &recordingFeeder{}
	feed := rtc.NewTrackFeed(reader, feeder, 48000, zaptest.NewLogger(t))

	require.NoError(t, feed.Run(context.Background()))
	assert.Equal(t, []int64{0, 20_000, 40_000}, feeder.pts)
	assert.Equal(t, int32(1), feeder.eos.Load())
	assert.Equal(t, int64(3), feed.Packets())
}

func TestTrackFeedDropsRejected(t *testing.T) {
	feeder := &recordingFeeder{fail: true}
	feed := rtc.NewTrackFeed(&scriptedReader{packets: opusPackets(t, 2, 0)}, feeder, 0, nil)
	feed.Start(context.Background())
	assert.Eventually(t, func() bool { return feeder.eos.Load() == 1 }, time.Second, 5*time.Millisecond)
	feed.Stop()
	assert.Zero(t, feed.Packets())
}

func TestTrackFeedIntoPlayer(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out.wav")
	logger := zaptest.NewLogger(t)
	r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger})
	opts := rtc.Options{Options: elements.Options{Logger: logger, Renderers: elements.FileRenderers(dst, "")}}
	require.NoError(t, elements.Register(r, rtc.Stubs(opts)...))
	p, err := player.New(player.Options{Logger: logger, Registry: r})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.SetCodecMeta(pipeline.LineAudio, rtc.OpusFeedMeta(48000, 1))
	require.NoError(t, p.SetDataSource(ctx, "pcm://"))
	require.NoError(t, p.Prepare(ctx))
	assert.Contains(t, p.Summary(), "opus-decoder/1.0")
	require.NoError(t, p.Start(ctx))

	feed := rtc.NewTrackFeed(&scriptedReader{packets: opusPackets(t, 10, 1234)}, p, 48000, logger)
	require.NoError(t, feed.Run(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	assert.Equal(t, int64(180_000), p.CurrentPosition())
	require.NoError(t, p.Reset(ctx))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 10*960)
}
