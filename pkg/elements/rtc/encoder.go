package rtc

import (
	"github.com/hraban/opus"
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/audio"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

// maxOpusPacket is the largest packet libopus produces for one frame.
const maxOpusPacket = 1275

// frameEncoder cuts 16-bit PCM into 20 ms frames and encodes each one.
// Input at a rate libopus does not take is resampled to 48 kHz first.
type frameEncoder struct {
	enc        *opus.Encoder
	resampler  *audio.Resample
	rate       int
	channels   int
	frameBytes int
	pending    []byte
	packet     []byte
}

func newFrameEncoder(rate, channels int, app opus.Application) (*frameEncoder, error) {
	layout, err := audio.LayoutFor(channels)
	if err != nil {
		return nil, errors.Wrap(media.ErrUnsupported, err.Error())
	}
	e := &frameEncoder{rate: opusRate(rate), channels: channels, packet: make([]byte, maxOpusPacket)}
	if e.rate != rate {
		if e.resampler, err = audio.NewResample(rate, e.rate, layout, layout); err != nil {
			return nil, errors.Wrapf(media.ErrInitFailed, "resample %d -> %d: %v", rate, e.rate, err)
		}
	}
	if e.enc, err = opus.NewEncoder(e.rate, channels, app); err != nil {
		e.close()
		return nil, errors.Wrapf(media.ErrInitFailed, "opus encoder: %v", err)
	}
	e.frameBytes = audio.FrameBytes(e.rate, channels)
	return e, nil
}

// encode compresses exactly one frame of PCM at the encoder rate.
func (e *frameEncoder) encode(frame []byte) ([]byte, error) {
	n, err := e.enc.Encode(utils.ByteSliceToInt16Slice(frame), e.packet)
	if err != nil {
		return nil, errors.Wrap(err, "opus encode")
	}
	return e.packet[:n], nil
}

// write buffers pcm and calls emit for every complete frame. The packet
// passed to emit is only valid during the call.
func (e *frameEncoder) write(pcm []byte, emit func(packet []byte) error) error {
	if e.resampler != nil && len(pcm) > 0 {
		var err error
		if pcm, err = e.resampler.Resample(pcm); err != nil {
			return err
		}
	}
	e.pending = append(e.pending, pcm...)
	for len(e.pending) >= e.frameBytes {
		packet, err := e.encode(e.pending[:e.frameBytes])
		if err != nil {
			return err
		}
		e.pending = e.pending[e.frameBytes:]
		if err := emit(packet); err != nil {
			return err
		}
	}
	return nil
}

// finish pads the trailing partial frame with silence and emits it.
func (e *frameEncoder) finish(emit func(packet []byte) error) error {
	if len(e.pending) == 0 {
		return nil
	}
	frame := make([]byte, e.frameBytes)
	copy(frame, e.pending)
	e.pending = e.pending[:0]
	packet, err := e.encode(frame)
	if err != nil {
		return err
	}
	return emit(packet)
}

func (e *frameEncoder) reset() {
	e.pending = e.pending[:0]
}

func (e *frameEncoder) close() {
	if e.resampler != nil {
		e.resampler.Free()
		e.resampler = nil
	}
}
