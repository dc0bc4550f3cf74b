package elements

import (
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

const stubVersion = "1.0"

// NewStub builds a stub whose New closure receives the stub itself, so the
// stage can report it from QueryStub.
func NewStub(t pipeline.StageType, line pipeline.Line, name string, usesPool bool, build func(*pipeline.Stub) pipeline.Stage) *pipeline.Stub {
	stub := &pipeline.Stub{
		Type:     t,
		Role:     line.Role(),
		Name:     name,
		Version:  stubVersion,
		UsesPool: usesPool,
	}
	stub.New = func() pipeline.Stage { return build(stub) }
	return stub
}

// DefaultStubs is the pure-Go stage set in registration order: demuxers
// probed by file extension, decoders selected by codec, one render sink per
// media line.
func DefaultStubs(opts Options) []*pipeline.Stub {
	opts = opts.WithDefaults()

	wavDemux := NewStub(pipeline.StageDemuxer, pipeline.LineRoot, "wav-demuxer", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewWavDemuxer(s, opts)
	})
	wavDemux.Probe = probeExt(".wav", ".wave")

	webmDemux := NewStub(pipeline.StageDemuxer, pipeline.LineRoot, "webm-demuxer", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewWebMDemuxer(s, opts)
	})
	webmDemux.Probe = probeExt(".webm", ".mkv", ".mka")

	h264Demux := NewStub(pipeline.StageDemuxer, pipeline.LineRoot, "h264-demuxer", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewH264Demuxer(s, opts)
	})
	h264Demux.Probe = probeExt(".h264", ".264")

	pcm := NewStub(pipeline.StageDecoder, pipeline.LineAudio, "pcm-decoder", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewPCMDecoder(s, opts)
	})
	pcm.Accepts = AcceptsPCM

	parser := NewStub(pipeline.StageDecoder, pipeline.LineVideo, "h264-parser", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewH264Parser(s, opts)
	})
	parser.Accepts = AcceptsH264

	raw := NewStub(pipeline.StageDecoder, pipeline.LineVideo, "copy-decoder", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewCopyDecoder(s, opts)
	})
	raw.Accepts = AcceptsRaw

	return []*pipeline.Stub{
		wavDemux, webmDemux, h264Demux,
		pcm, parser, raw,
		SinkStub(pipeline.LineAudio, "audio-render-sink", opts),
		SinkStub(pipeline.LineVideo, "video-render-sink", opts),
	}
}

// SinkStub is a RenderSink stub for line using opts.Renderers.
func SinkStub(line pipeline.Line, name string, opts Options) *pipeline.Stub {
	opts = opts.WithDefaults()
	return NewStub(pipeline.StageSink, line, name, false, func(s *pipeline.Stub) pipeline.Stage {
		return NewRenderSink(s, opts)
	})
}

// Register adds stubs to r in order.
func Register(r *pipeline.Registry, stubs ...*pipeline.Stub) error {
	for _, s := range stubs {
		if err := r.RegisterStub(s); err != nil {
			return errors.Wrapf(err, "register %s", s)
		}
	}
	return nil
}

// AudioFeedMeta is the default audio line metadata for PCM feed playback.
func AudioFeedMeta(sampleRate, channels int) media.Metadata {
	return media.NewMetadata().
		Set(media.KeyTrackType, media.TrackAudio).
		Set(media.KeyCodecID, media.CodecPCMS16LE).
		SetInt(media.KeySampleRate, int64(sampleRate)).
		SetInt(media.KeyChannels, int64(channels)).
		SetInt(media.KeyBitDepth, 16)
}
