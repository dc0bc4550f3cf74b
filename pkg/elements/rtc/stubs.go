package rtc

import (
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// Stubs is elements.DefaultStubs plus the Opus decoder.
func Stubs(opts Options) []*pipeline.Stub {
	opts = opts.WithDefaults()
	decoder := elements.NewStub(pipeline.StageDecoder, pipeline.LineAudio, "opus-decoder", true, func(s *pipeline.Stub) pipeline.Stage {
		return NewOpusDecoder(s, opts)
	})
	decoder.Accepts = AcceptsOpus
	return append(elements.DefaultStubs(opts.Options), decoder)
}

// WebMRenderers encodes audio to an Opus WebM file at path. Video is
// discarded.
func WebMRenderers(path string, logger *zap.Logger) elements.RendererFactory {
	return func(track media.TrackType) (elements.Renderer, error) {
		if track == media.TrackAudio {
			return NewWebMFileRenderer(path, logger), nil
		}
		return &elements.Discard{}, nil
	}
}

// WebRTCRenderers sends audio to track. Video is discarded.
func WebRTCRenderers(track SampleWriter, logger *zap.Logger, dump bool) elements.RendererFactory {
	return func(t media.TrackType) (elements.Renderer, error) {
		if t == media.TrackAudio {
			return NewWebRTCRenderer(track, logger, dump), nil
		}
		return &elements.Discard{}, nil
	}
}
