package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/audio"
	pmedia "github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

// SampleWriter is the part of *webrtc.TrackLocalStaticSample the sink uses.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// WebRTCRenderer feeds decoded audio to a WebRTC track. Buffers go into a
// 48 kHz playout buffer; a ticker pulls one 20 ms frame at a time, encodes
// it to Opus and writes it to the track, sending silence when starved.
type WebRTCRenderer struct {
	track  SampleWriter
	logger *zap.Logger
	dump   bool

	mu      sync.Mutex
	playout *audio.PlayoutBuffer
	dumper  *audio.Dumper
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sent    int64
}

func NewWebRTCRenderer(track SampleWriter, logger *zap.Logger, dump bool) *WebRTCRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebRTCRenderer{track: track, logger: logger.With(zap.String("component", "webrtc_sink")), dump: dump}
}

func (r *WebRTCRenderer) Open(format pmedia.Metadata) error {
	if codec := format.CodecID(); codec != pmedia.CodecPCMS16LE {
		return errors.Wrapf(pmedia.ErrUnsupported, "webrtc renderer: codec %s", codec)
	}
	rate := int(format.IntOr(pmedia.KeySampleRate, 0))
	channels := int(format.IntOr(pmedia.KeyChannels, 1))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playout != nil {
		return nil
	}
	playout, err := audio.NewPlayoutBuffer(rate, channels, r.logger)
	if err != nil {
		return errors.Wrapf(pmedia.ErrInitFailed, "playout buffer: %v", err)
	}
	enc, err := opus.NewEncoder(audio.OutputSampleRate, channels, opus.AppVoIP)
	if err != nil {
		playout.Close()
		return errors.Wrapf(pmedia.ErrInitFailed, "opus encoder: %v", err)
	}
	if r.dump {
		if r.dumper, err = audio.NewDumper("webrtc_out", audio.OutputSampleRate, channels); err != nil {
			r.logger.Warn("create audio dumper", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.playout, r.cancel = playout, cancel
	r.wg.Add(1)
	go r.run(ctx, playout, enc)
	return nil
}

func (r *WebRTCRenderer) Render(buf *pmedia.Buffer) error {
	r.mu.Lock()
	playout := r.playout
	r.mu.Unlock()
	if playout == nil {
		return errors.Wrap(pmedia.ErrNotRunning, "webrtc renderer closed")
	}
	return playout.Write(buf.Data())
}

// Flush drops queued audio; playout prebuffers again before resuming.
func (r *WebRTCRenderer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playout != nil {
		r.playout.Clear()
	}
}

func (r *WebRTCRenderer) run(ctx context.Context, playout *audio.PlayoutBuffer, enc *opus.Encoder) {
	defer r.wg.Done()

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	packet := make([]byte, maxOpusPacket)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := playout.ReadFrame()
		r.mu.Lock()
		if r.dumper != nil {
			if err := r.dumper.Write(frame); err != nil {
				r.logger.Warn("dump audio", zap.Error(err))
			}
		}
		r.mu.Unlock()

		n, err := enc.Encode(utils.ByteSliceToInt16Slice(frame), packet)
		if err != nil {
			r.logger.Warn("opus encode", zap.Error(err))
			continue
		}
		if err := r.track.WriteSample(media.Sample{Data: packet[:n], Duration: audio.FrameDuration}); err != nil {
			r.logger.Debug("write sample", zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.sent++
		r.mu.Unlock()
	}
}

// Sent is the number of samples written to the track.
func (r *WebRTCRenderer) Sent() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *WebRTCRenderer) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.playout.Close()
	r.playout = nil
	var err error
	if r.dumper != nil {
		err = r.dumper.Close()
		r.dumper = nil
	}
	return err
}
