package audio

import (
	"github.com/asticode/go-astiav"
	"github.com/pkg/errors"
)

const bytesPerSample = 2

// Resample converts signed 16-bit interleaved PCM between sample rates and
// channel layouts with libswresample.
type Resample struct {
	ctx       *astiav.SoftwareResampleContext
	inFrame   *astiav.Frame
	outFrame  *astiav.Frame
	inLayout  astiav.ChannelLayout
	outLayout astiav.ChannelLayout
	inRate    int
	outRate   int
}

// LayoutFor maps a channel count to a layout. Only mono and stereo are
// supported.
func LayoutFor(channels int) (astiav.ChannelLayout, error) {
	switch channels {
	case 1:
		return astiav.ChannelLayoutMono, nil
	case 2:
		return astiav.ChannelLayoutStereo, nil
	}
	return astiav.ChannelLayout{}, errors.Errorf("unsupported channel count %d", channels)
}

func channelsOf(layout astiav.ChannelLayout) (int, error) {
	switch {
	case layout == astiav.ChannelLayoutMono:
		return 1, nil
	case layout == astiav.ChannelLayoutStereo:
		return 2, nil
	}
	return 0, errors.New("unsupported channel layout")
}

func NewResample(inRate, outRate int, inLayout, outLayout astiav.ChannelLayout) (*Resample, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, errors.Errorf("invalid rates %d -> %d", inRate, outRate)
	}
	if _, err := channelsOf(inLayout); err != nil {
		return nil, err
	}

	r := &Resample{
		inRate:    inRate,
		outRate:   outRate,
		inLayout:  inLayout,
		outLayout: outLayout,
	}

	r.ctx = astiav.AllocSoftwareResampleContext()
	if r.ctx == nil {
		return nil, errors.New("allocate resample context")
	}
	r.inFrame = astiav.AllocFrame()
	if r.inFrame == nil {
		r.Free()
		return nil, errors.New("allocate input frame")
	}
	r.outFrame = astiav.AllocFrame()
	if r.outFrame == nil {
		r.Free()
		return nil, errors.New("allocate output frame")
	}
	return r, nil
}

func (r *Resample) Free() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

// Resample converts one chunk. The input must hold whole sample frames.
func (r *Resample) Resample(inputData []byte) ([]byte, error) {
	const align = 0

	if len(inputData) == 0 {
		return nil, errors.New("empty input")
	}
	inChannels, err := channelsOf(r.inLayout)
	if err != nil {
		return nil, err
	}
	frameBytes := bytesPerSample * inChannels
	if len(inputData)%frameBytes != 0 {
		return nil, errors.Errorf("input of %d bytes is not a whole number of %d byte frames", len(inputData), frameBytes)
	}
	numSamples := len(inputData) / frameBytes

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(r.inLayout)
	r.inFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(numSamples)

	r.outFrame.SetChannelLayout(r.outLayout)
	r.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.outFrame.SetSampleRate(r.outRate)
	r.outFrame.SetNbSamples(numSamples * r.outRate / r.inRate)

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, errors.Wrap(err, "allocate input buffer")
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, errors.Wrap(err, "allocate output buffer")
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, errors.Wrap(err, "make input writable")
	}
	if err := r.inFrame.Data().SetBytes(inputData, align); err != nil {
		return nil, errors.Wrap(err, "fill input frame")
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, errors.Wrap(err, "resample")
	}

	out, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, errors.Wrap(err, "read output frame")
	}
	return out, nil
}
