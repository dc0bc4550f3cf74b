package elements

import (
	"context"

	"github.com/pkg/errors"
	"github.com/zaf/g711"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

var pcmCodecs = map[media.CodecID]bool{
	media.CodecPCMS16LE: true,
	media.CodecPCMU8:    true,
	media.CodecPCMALaw:  true,
	media.CodecPCMMuLaw: true,
}

// AcceptsPCM matches linear and G.711 PCM tracks, and any track flagged for
// bypass.
func AcceptsPCM(meta media.Metadata) bool {
	return meta.Bool(media.KeyBypass) || pcmCodecs[meta.CodecID()]
}

// AcceptsRaw matches uncompressed video and any track flagged for bypass.
func AcceptsRaw(meta media.Metadata) bool {
	return meta.Bool(media.KeyBypass) || meta.CodecID() == media.CodecRawVideo
}

// PCMDecoder expands A-law, mu-law and unsigned 8-bit samples to signed
// 16-bit little endian. Linear 16-bit input and bypass tracks are copied.
type PCMDecoder struct {
	*pipeline.BaseStage

	opts        Options
	pool        *media.BufferPool
	frameBytes  int
	codec       media.CodecID
	copyAll     bool
	bypass      bool
	track       media.TrackType
	bytesPerSec int64
}

func NewPCMDecoder(stub *pipeline.Stub, opts Options) *PCMDecoder {
	opts = opts.WithDefaults()
	return &PCMDecoder{BaseStage: pipeline.NewBaseStage(stub, opts.StageOptions()), opts: opts}
}

// NewCopyDecoder returns a PCMDecoder that passes every payload through,
// one output buffer per input buffer.
func NewCopyDecoder(stub *pipeline.Stub, opts Options) *PCMDecoder {
	d := NewPCMDecoder(stub, opts)
	d.copyAll = true
	return d
}

func (d *PCMDecoder) Init(meta media.Metadata) error {
	d.track = meta.TrackType()
	if d.track == media.TrackNone {
		return errors.Wrap(media.ErrInvalidConfig, "missing track type")
	}
	d.codec = meta.CodecID()
	d.bypass = d.copyAll || meta.Bool(media.KeyBypass)
	if !d.bypass && !pcmCodecs[d.codec] {
		return errors.Wrapf(media.ErrUnsupported, "pcm decoder: codec %s", d.codec)
	}

	out := meta.Clone()
	delete(out, media.KeyAllocator)
	if !d.bypass {
		out.Set(media.KeyCodecID, media.CodecPCMS16LE)
		out.SetInt(media.KeyBitDepth, 16)
		rate := meta.IntOr(media.KeySampleRate, 0)
		channels := meta.IntOr(media.KeyChannels, 1)
		d.bytesPerSec = rate * channels * 2
	}

	d.frameBytes = d.opts.AudioFrameBytes
	if d.track == media.TrackVideo {
		d.frameBytes = media.FrameSize(int(meta.IntOr(media.KeyWidth, 0)), int(meta.IntOr(media.KeyHeight, 0)))
		if d.frameBytes <= 0 {
			d.frameBytes = defaultAccessUnitBytes
		}
	}
	pool, err := media.NewBufferPoolWith("pcm-decode", d.opts.OutputBuffers, d.frameBytes, meta.Allocator(), d.Logger())
	if err != nil {
		return errors.Wrapf(media.ErrInitFailed, "pcm decoder pool: %v", err)
	}
	d.pool = pool
	d.AddPool(pool)

	d.SetFormat(pipeline.PortInput, meta)
	d.SetFormat(pipeline.PortOutput, out)
	d.SetState(pipeline.StateInitialized)
	d.Logger().Debug("pcm decoder ready", zap.Stringer("codec", d.codec), zap.Bool("bypass", d.bypass))
	return nil
}

func (d *PCMDecoder) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return d.Dispatch(d, cmd, opts)
}

func (d *PCMDecoder) decode(in []byte) []byte {
	if d.bypass {
		return in
	}
	switch d.codec {
	case media.CodecPCMALaw:
		return g711.DecodeAlaw(in)
	case media.CodecPCMMuLaw:
		return g711.DecodeUlaw(in)
	case media.CodecPCMU8:
		out := make([]int16, len(in))
		for i, v := range in {
			out[i] = (int16(v) - 128) << 8
		}
		return utils.Int16SliceToByteSlice(out)
	}
	return in
}

func (d *PCMDecoder) Step(ctx context.Context) error {
	in, err := d.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer in.Release()

	if in.IsEOS() {
		d.ForwardEOS(d.track)
		return nil
	}

	pcm := d.decode(in.Data())
	pts := in.PTS()
	frame := d.frameBytes
	if d.track == media.TrackVideo && len(pcm) > frame {
		d.Logger().Warn("frame exceeds output buffer", zap.Int("size", len(pcm)), zap.Int("capacity", frame))
		return nil
	}
	for off := 0; off < len(pcm); off += frame {
		end := off + frame
		if end > len(pcm) {
			end = len(pcm)
		}
		out, err := d.pool.AcquireBuffer(true, end-off)
		if err != nil {
			return err
		}
		if err := out.Write(pcm[off:end]); err != nil {
			out.Release()
			return err
		}
		if pts >= 0 {
			out.SetPTS(pts + d.offsetUs(off))
		}
		out.Meta().SetInt(media.KeyTrackType, int64(d.track))
		if in.Meta().Bool(media.KeyKeyframe) {
			out.Meta().SetBool(media.KeyKeyframe, true)
		}
		d.Out().Push(out)
	}
	return nil
}

// offsetUs is the play time of n output bytes. Bypass payloads have no
// known sample layout and keep the input timestamp.
func (d *PCMDecoder) offsetUs(n int) int64 {
	if d.bytesPerSec <= 0 {
		return 0
	}
	return int64(n) * 1_000_000 / d.bytesPerSec
}
