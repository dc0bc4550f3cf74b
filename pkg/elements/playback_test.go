package elements_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

const testRate = 16000

func writeWav(t *testing.T, path string, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, testRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: testRate},
		Data:           samples,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func readWav(t *testing.T, path string) (*wav.Decoder, []int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	return dec, buf.Data
}

// ramp is n samples whose value is half their index.
func ramp(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i / 2
	}
	return out
}

func newPlayer(t *testing.T, opts elements.Options) *player.Controller {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts.Logger = logger
	r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger})
	require.NoError(t, elements.Register(r, elements.DefaultStubs(opts)...))

	p, err := player.New(player.Options{Logger: logger, Registry: r})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWavPlaysIntoWavFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	dst := filepath.Join(dir, "out.wav")
	samples := ramp(testRate / 2)
	writeWav(t, src, samples)

	p := newPlayer(t, elements.Options{Renderers: elements.FileRenderers(dst, "")})
	ctx := ctxFor(t)

	require.NoError(t, p.SetDataSource(ctx, "file://"+src))
	require.NoError(t, p.Prepare(ctx))
	assert.Equal(t, int64(500_000), p.Duration())
	assert.Contains(t, p.Summary(), "wav-demuxer/1.0")
	assert.Contains(t, p.Summary(), "pcm-decoder/1.0")
	assert.Contains(t, p.Summary(), "audio-render-sink/1.0")

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	assert.Equal(t, int64(480_000), p.CurrentPosition())

	// reset releases the sink, which finalizes the file
	require.NoError(t, p.Reset(ctx))

	dec, got := readWav(t, dst)
	assert.Equal(t, uint32(testRate), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, samples, got)
}

func TestWavSeekBeforePrepare(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	dst := filepath.Join(dir, "out.wav")
	samples := ramp(testRate * 2)
	writeWav(t, src, samples)

	p := newPlayer(t, elements.Options{Renderers: elements.FileRenderers(dst, "")})
	ctx := ctxFor(t)

	require.NoError(t, p.SetDataSource(ctx, src))
	require.NoError(t, p.SeekTo(1_500_000))
	require.NoError(t, p.Prepare(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	require.NoError(t, p.Reset(ctx))

	_, got := readWav(t, dst)
	assert.Equal(t, samples[testRate*3/2:], got)
}

func TestUnknownExtensionHasNoDemuxer(t *testing.T) {
	p := newPlayer(t, elements.Options{})
	ctx := ctxFor(t)

	err := p.SetDataSource(ctx, "/media/clip.flac")
	assert.ErrorIs(t, err, media.ErrNullSource)
	assert.Equal(t, player.StateError, p.State())
}

func TestPCMFeedIntoDiscard(t *testing.T) {
	p := newPlayer(t, elements.Options{})
	ctx := ctxFor(t)

	p.SetCodecMeta(pipeline.LineAudio, elements.AudioFeedMeta(testRate, 1))
	require.NoError(t, p.SetDataSource(ctx, "pcm://"))
	require.NoError(t, p.Prepare(ctx))
	require.NoError(t, p.Start(ctx))

	for i := 0; i < 4; i++ {
		require.NoError(t, p.WriteData(make([]byte, 640), int64(i)*20_000))
	}
	require.NoError(t, p.WriteData(nil, -1))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	assert.Equal(t, int64(60_000), p.CurrentPosition())
}

func TestDefaultStubsOrder(t *testing.T) {
	r := pipeline.NewRegistry(pipeline.RegistryOptions{})
	require.NoError(t, elements.Register(r, elements.DefaultStubs(elements.Options{})...))

	assert.Equal(t, "wav-demuxer", r.FindStub(pipeline.StageDemuxer, "root").Name)
	assert.Equal(t, "pcm-decoder", r.FindStub(pipeline.StageDecoder, "audio").Name)
	assert.Equal(t, "h264-parser", r.FindStub(pipeline.StageDecoder, "video").Name)
	assert.Equal(t, "video-render-sink", r.FindStub(pipeline.StageSink, "video").Name)
	assert.Nil(t, r.FindStub(pipeline.StageSink, "subtitle"))
}

func TestH264PlaysIntoAnnexBFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.h264")
	dst := filepath.Join(dir, "out.h264")

	sps := []byte{0x67, 0x42, 0xc0, 0x1e}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x21}
	p1 := []byte{0x41, 0x9a, 0x21, 0x6c}
	p2 := []byte{0x41, 0x9a, 0x42, 0x6c}
	aud := []byte{0x09, 0xf0}

	stream, err := h264.AnnexB{aud, sps, pps, idr, aud, p1, aud, p2}.Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, stream, 0o644))

	p := newPlayer(t, elements.Options{Renderers: elements.FileRenderers("", dst)})
	ctx := ctxFor(t)

	require.NoError(t, p.SetDataSource(ctx, src))
	require.NoError(t, p.Prepare(ctx))
	assert.Contains(t, p.Summary(), "h264-demuxer/1.0")
	assert.Contains(t, p.Summary(), "h264-parser/1.0")
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	require.NoError(t, p.Reset(ctx))

	want, err := h264.AnnexB{sps, pps, idr, p1, p2}.Marshal()
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
