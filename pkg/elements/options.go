package elements

import (
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

const (
	DefaultDemuxPollInterval = 2 * time.Millisecond
	DefaultInputBuffers      = 30
	DefaultOutputBuffers     = 8
	DefaultAudioFrameBytes   = 1024 * 4 * 10
)

// Options tune the stages built by the stubs of this package.
type Options struct {
	Logger            *zap.Logger
	PollInterval      time.Duration
	DemuxPollInterval time.Duration
	InputBuffers      int
	OutputBuffers     int
	AudioFrameBytes   int
	// Realtime paces sinks by buffer timestamps instead of rendering as fast
	// as buffers arrive.
	Realtime bool
	// Renderers picks the renderer for each sink. Nil renders into Discard.
	Renderers RendererFactory
}

func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = pipeline.DefaultPollInterval
	}
	if o.DemuxPollInterval <= 0 {
		o.DemuxPollInterval = DefaultDemuxPollInterval
	}
	if o.InputBuffers <= 0 {
		o.InputBuffers = DefaultInputBuffers
	}
	if o.OutputBuffers <= 0 {
		o.OutputBuffers = DefaultOutputBuffers
	}
	if o.AudioFrameBytes <= 0 {
		o.AudioFrameBytes = DefaultAudioFrameBytes
	}
	if o.Renderers == nil {
		o.Renderers = DiscardRenderers
	}
	return o
}

func (o Options) StageOptions() pipeline.StageOptions {
	return pipeline.StageOptions{Logger: o.Logger, PollInterval: o.PollInterval}
}

func (o Options) demuxOptions() pipeline.StageOptions {
	return pipeline.StageOptions{Logger: o.Logger, PollInterval: o.DemuxPollInterval}
}
