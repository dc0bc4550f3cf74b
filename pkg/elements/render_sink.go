package elements

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// maxRenderLag is how far a realtime sink may fall behind its clock before
// it re-anchors instead of rushing to catch up.
const maxRenderLag = 200 * time.Millisecond

// RenderSink is the tail of a line. It hands buffers to a Renderer,
// optionally paced by their timestamps, and reports end of stream once.
type RenderSink struct {
	*pipeline.BaseStage

	opts     Options
	track    media.TrackType
	renderer Renderer
	eosSeen  atomic.Bool
	rendered atomic.Int64

	// pacing clock; the anchor fields belong to the worker, OnFlush only
	// clears anchored
	anchored  atomic.Bool
	anchorPTS int64
	anchorAt  time.Time
}

func NewRenderSink(stub *pipeline.Stub, opts Options) *RenderSink {
	opts = opts.WithDefaults()
	return &RenderSink{BaseStage: pipeline.NewBaseStage(stub, opts.StageOptions()), opts: opts}
}

func (s *RenderSink) Init(meta media.Metadata) error {
	s.track = meta.TrackType()
	if s.track == media.TrackNone {
		return errors.Wrap(media.ErrInvalidConfig, "missing track type")
	}
	r, err := s.opts.Renderers(s.track)
	if err != nil {
		return errors.Wrapf(media.ErrInitFailed, "renderer: %v", err)
	}
	if err := r.Open(meta); err != nil {
		return errors.Wrapf(media.ErrInitFailed, "open renderer: %v", err)
	}
	s.renderer = r
	s.SetFormat(pipeline.PortInput, meta)
	s.SetState(pipeline.StateInitialized)
	return nil
}

func (s *RenderSink) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return s.Dispatch(s, cmd, opts)
}

func (s *RenderSink) Step(ctx context.Context) error {
	buf, err := s.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer buf.Release()

	if buf.IsEOS() {
		if s.eosSeen.CompareAndSwap(false, true) {
			s.Logger().Debug("end of stream rendered", zap.Int64("buffers", s.rendered.Load()))
			return s.PostEvent(pipeline.CompletionEvent(s.track))
		}
		return nil
	}

	if s.opts.Realtime && buf.PTS() >= 0 {
		if !s.pace(ctx, buf.PTS()) {
			return nil
		}
	}
	if err := s.renderer.Render(buf); err != nil {
		return errors.Wrap(err, "render")
	}
	s.rendered.Add(1)
	return nil
}

// pace waits until pts is due on the sink clock. It returns false when ctx
// ends first.
func (s *RenderSink) pace(ctx context.Context, pts int64) bool {
	now := time.Now()
	if !s.anchored.Load() {
		s.anchorPTS, s.anchorAt = pts, now
		s.anchored.Store(true)
		return true
	}
	due := s.anchorAt.Add(time.Duration(pts-s.anchorPTS) * time.Microsecond)
	wait := due.Sub(now)
	if wait < -maxRenderLag || pts < s.anchorPTS {
		s.anchorPTS, s.anchorAt = pts, now
		return true
	}
	if wait <= 0 {
		return true
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *RenderSink) OnFlush() {
	s.eosSeen.Store(false)
	s.anchored.Store(false)
	if f, ok := s.renderer.(FlushRenderer); ok {
		f.Flush()
	}
}

// Rendered is the number of non-EOS buffers handed to the renderer.
func (s *RenderSink) Rendered() int64 {
	return s.rendered.Load()
}

func (s *RenderSink) Renderer() Renderer {
	return s.renderer
}

func (s *RenderSink) Release() error {
	err := s.BaseStage.Release()
	if s.renderer != nil {
		if cerr := s.renderer.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close renderer")
		}
	}
	return err
}
