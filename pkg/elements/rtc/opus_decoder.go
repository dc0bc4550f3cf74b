// Package rtc holds the stages and renderers that need the cgo media stack:
// libopus through hraban/opus and libswresample through go-astiav.
package rtc

import (
	"context"
	"sync"

	"github.com/hraban/opus"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/audio"
	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

// maxOpusFrame is 120 ms at 48 kHz, the longest packet Opus allows.
const maxOpusFrame = 5760

func AcceptsOpus(meta media.Metadata) bool {
	return meta.CodecID() == media.CodecOpus
}

// opusRate picks the decoder rate closest to the stream rate among those
// libopus supports.
func opusRate(rate int) int {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return rate
	}
	return 48000
}

// OpusDecoder decodes Opus packets to signed 16-bit PCM.
type OpusDecoder struct {
	*pipeline.BaseStage

	opts     Options
	mu       sync.Mutex
	decoder  *opus.Decoder
	pool     *media.BufferPool
	pcm      []int16
	rate     int
	channels int
	dumper   *audio.Dumper
}

func NewOpusDecoder(stub *pipeline.Stub, opts Options) *OpusDecoder {
	opts = opts.WithDefaults()
	return &OpusDecoder{BaseStage: pipeline.NewBaseStage(stub, opts.StageOptions()), opts: opts}
}

func (d *OpusDecoder) Init(meta media.Metadata) error {
	if meta.TrackType() != media.TrackAudio || !AcceptsOpus(meta) {
		return errors.Wrapf(media.ErrUnsupported, "opus decoder: %s %s", meta.TrackType(), meta.CodecID())
	}
	d.rate = opusRate(int(meta.IntOr(media.KeySampleRate, 48000)))
	d.channels = int(meta.IntOr(media.KeyChannels, 2))
	if d.channels < 1 || d.channels > 2 {
		return errors.Wrapf(media.ErrUnsupported, "opus decoder: %d channels", d.channels)
	}

	dec, err := opus.NewDecoder(d.rate, d.channels)
	if err != nil {
		return errors.Wrapf(media.ErrInitFailed, "opus decoder: %v", err)
	}
	d.decoder = dec
	d.pcm = make([]int16, maxOpusFrame*d.channels)

	size := d.opts.AudioFrameBytes
	if need := len(d.pcm) * 2; size < need {
		size = need
	}
	pool, err := media.NewBufferPoolWith("opus-decode", d.opts.OutputBuffers, size, meta.Allocator(), d.Logger())
	if err != nil {
		return errors.Wrapf(media.ErrInitFailed, "opus decoder pool: %v", err)
	}
	d.pool = pool
	d.AddPool(pool)

	if d.opts.DumpDecoded {
		if d.dumper, err = audio.NewDumper("opus_decoded", d.rate, d.channels); err != nil {
			d.Logger().Warn("create audio dumper", zap.Error(err))
		}
	}

	out := meta.Clone()
	delete(out, media.KeyAllocator)
	out.Set(media.KeyCodecID, media.CodecPCMS16LE)
	out.SetInt(media.KeySampleRate, int64(d.rate))
	out.SetInt(media.KeyBitDepth, 16)
	d.SetFormat(pipeline.PortInput, meta)
	d.SetFormat(pipeline.PortOutput, out)
	d.SetState(pipeline.StateInitialized)
	return nil
}

func (d *OpusDecoder) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return d.Dispatch(d, cmd, opts)
}

func (d *OpusDecoder) Step(ctx context.Context) error {
	in, err := d.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer in.Release()

	if in.IsEOS() {
		d.ForwardEOS(media.TrackAudio)
		return nil
	}
	if in.Size() == 0 {
		return nil
	}

	d.mu.Lock()
	n, err := d.decoder.Decode(in.Data(), d.pcm)
	var data []byte
	if err == nil {
		data = utils.Int16SliceToByteSlice(d.pcm[:n*d.channels])
	}
	d.mu.Unlock()
	if err != nil {
		d.Logger().Warn("opus decode", zap.Error(err), zap.Int("size", in.Size()))
		return nil
	}

	if d.dumper != nil {
		if err := d.dumper.Write(data); err != nil {
			d.Logger().Warn("dump audio", zap.Error(err))
		}
	}

	out, err := d.pool.AcquireBuffer(true, len(data))
	if err != nil {
		return err
	}
	if err := out.Write(data); err != nil {
		out.Release()
		return err
	}
	out.SetPTS(in.PTS())
	out.Meta().SetInt(media.KeyTrackType, int64(media.TrackAudio))
	d.Out().Push(out)
	return nil
}

// OnFlush resets the decoder so concealment state does not leak across a
// seek.
func (d *OpusDecoder) OnFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decoder == nil {
		return
	}
	dec, err := opus.NewDecoder(d.rate, d.channels)
	if err != nil {
		d.Logger().Warn("reset opus decoder", zap.Error(err))
		return
	}
	d.decoder = dec
}

func (d *OpusDecoder) Release() error {
	err := d.BaseStage.Release()
	if d.dumper != nil {
		if cerr := d.dumper.Close(); cerr != nil {
			d.Logger().Warn("close audio dumper", zap.Error(cerr))
		}
		d.dumper = nil
	}
	return err
}

// Options extends the pure-Go stage options with the cgo stages' knobs.
type Options struct {
	elements.Options
	// DumpDecoded writes decoded Opus audio to a WAV file for inspection.
	DumpDecoded bool
}

func (o Options) WithDefaults() Options {
	o.Options = o.Options.WithDefaults()
	return o
}
