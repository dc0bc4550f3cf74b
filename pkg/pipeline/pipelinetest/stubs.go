package pipelinetest

import (
	"sync"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"go.uber.org/zap"
)

// Factory builds stubs for the fake stages and remembers every instance.
type Factory struct {
	Logger       *zap.Logger
	StageOptions pipeline.StageOptions

	mu       sync.Mutex
	demuxers []*Demuxer
	decoders []*Decoder
	sinks    []*Sink
}

func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{Logger: logger, StageOptions: pipeline.StageOptions{Logger: logger}}
}

func (f *Factory) DemuxerStub(cfg DemuxerConfig) *pipeline.Stub {
	if cfg.Logger == nil {
		cfg.Logger = f.Logger
	}
	stub := &pipeline.Stub{
		Type:     pipeline.StageDemuxer,
		Role:     pipeline.LineRoot.Role(),
		Name:     "fake-demuxer",
		Version:  "1.0",
		UsesPool: true,
	}
	stub.New = func() pipeline.Stage {
		d := NewDemuxer(stub, cfg)
		f.mu.Lock()
		f.demuxers = append(f.demuxers, d)
		f.mu.Unlock()
		return d
	}
	return stub
}

func (f *Factory) DecoderStub(line pipeline.Line) *pipeline.Stub {
	stub := &pipeline.Stub{
		Type:     pipeline.StageDecoder,
		Role:     line.Role(),
		Name:     "fake-" + line.Role() + "-decoder",
		Version:  "1.0",
		UsesPool: true,
	}
	stub.New = func() pipeline.Stage {
		d := NewDecoder(stub, f.StageOptions)
		f.mu.Lock()
		f.decoders = append(f.decoders, d)
		f.mu.Unlock()
		return d
	}
	return stub
}

func (f *Factory) SinkStub(line pipeline.Line) *pipeline.Stub {
	stub := &pipeline.Stub{
		Type:    pipeline.StageSink,
		Role:    line.Role(),
		Name:    "fake-" + line.Role() + "-sink",
		Version: "1.0",
	}
	stub.New = func() pipeline.Stage {
		s := NewSink(stub, f.StageOptions)
		f.mu.Lock()
		f.sinks = append(f.sinks, s)
		f.mu.Unlock()
		return s
	}
	return stub
}

func (f *Factory) Demuxers() []*Demuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Demuxer(nil), f.demuxers...)
}

func (f *Factory) Decoders() []*Decoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Decoder(nil), f.decoders...)
}

func (f *Factory) Sinks() []*Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Sink(nil), f.sinks...)
}

// AudioTrack is track metadata for a 48 kHz mono PCM track.
func AudioTrack() media.Metadata {
	return media.NewMetadata().
		Set(media.KeyTrackType, media.TrackAudio).
		Set(media.KeyCodecID, media.CodecPCMS16LE).
		SetInt(media.KeySampleRate, 48000).
		SetInt(media.KeyChannels, 1)
}

// VideoTrack is track metadata for a 320x240 H.264 track.
func VideoTrack() media.Metadata {
	return media.NewMetadata().
		Set(media.KeyTrackType, media.TrackVideo).
		Set(media.KeyCodecID, media.CodecH264).
		SetInt(media.KeyWidth, 320).
		SetInt(media.KeyHeight, 240)
}
