package player

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

type seekPhase int

const (
	seekIdle seekPhase = iota
	// seekQueued: an EventSeekAsync is in the looper queue and wantSeek may
	// still be overwritten.
	seekQueued
	// seekRunning: the stages are being repositioned. New requests are
	// saved and re-issued on completion.
	seekRunning
)

const noSeek = -1

type seekState struct {
	mu       sync.Mutex
	phase    seekPhase
	wantSeek int64
	saveSeek int64
}

func (s *seekState) reset() {
	s.mu.Lock()
	s.phase = seekIdle
	s.wantSeek = noSeek
	s.saveSeek = noSeek
	s.mu.Unlock()
}

func (s *seekState) takeSaved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.saveSeek
	s.saveSeek = noSeek
	return t
}

// SeekTo repositions playback to timeUs microseconds. It never blocks: the
// seek runs on the looper and completion is reported as EventSeekComplete.
// Requests arriving while a seek is queued replace its target; requests
// arriving while one runs are applied after it completes.
func (c *Controller) SeekTo(timeUs int64) error {
	if timeUs < 0 {
		timeUs = 0
	}
	c.seekTo(timeUs, false)
	return nil
}

func (c *Controller) seekTo(timeUs int64, force bool) {
	switch c.State() {
	case StateIdle, StateInitialized, StatePreparing:
		c.seek.mu.Lock()
		c.seek.saveSeek = timeUs
		c.seek.mu.Unlock()
		c.logger.Debug("seek saved until prepared", zap.Int64("time_us", timeUs))
		return
	case StateStopped, StateError:
		c.logger.Debug("seek ignored", zap.Stringer("state", c.State()))
		return
	}

	c.seek.mu.Lock()
	switch c.seek.phase {
	case seekQueued:
		c.seek.wantSeek = timeUs
		c.seek.mu.Unlock()
		return
	case seekRunning:
		c.seek.saveSeek = timeUs
		c.seek.mu.Unlock()
		return
	}
	c.seek.mu.Unlock()

	c.postSeekIfNecessary(timeUs, force)
}

func (c *Controller) postSeekIfNecessary(timeUs int64, force bool) {
	if !force {
		delta := time.Duration(timeUs-c.CurrentPosition()) * time.Microsecond
		if delta < 0 {
			delta = -delta
		}
		if delta <= c.opts.SeekMargin {
			c.logger.Debug("seek within margin", zap.Int64("time_us", timeUs), zap.Duration("delta", delta))
			return
		}
	}

	l := c.currentLooper()
	l.FlushEvents(looper.EventSeekAsync)

	c.seek.mu.Lock()
	c.seek.wantSeek = timeUs
	c.seek.phase = seekQueued
	c.seek.mu.Unlock()

	if err := l.Post(looper.NewEvent(looper.EventSeekAsync)); err != nil {
		c.logger.Warn("post seek", zap.Error(err))
		c.seek.reset()
	}
}

// onSeekTo runs on the looper. The target is read under the structural lock
// so that requests made while a caller holds the registry collapse into one.
func (c *Controller) onSeekTo() {
	switch c.State() {
	case StatePrepared, StateStarted, StatePaused, StateComplete:
	default:
		c.seek.reset()
		return
	}

	wasStarted := c.State() == StateStarted
	if wasStarted {
		c.stopDelivery()
	}

	var target int64
	c.registry.View(func(v *pipeline.View) {
		c.seek.mu.Lock()
		target = c.seek.wantSeek
		c.seek.wantSeek = noSeek
		c.seek.phase = seekRunning
		c.seek.mu.Unlock()

		c.logger.Info("seek", zap.Int64("time_us", target))
		_ = v.Execute(pipeline.CmdPause, nil)
		_ = v.Execute(pipeline.CmdFlush, nil)
		if err := v.ExecuteLine(pipeline.LineRoot, pipeline.CmdSeek, media.NewMetadata().SetInt(media.KeySeekTime, target)); err != nil {
			c.logger.Warn("seek failed", zap.Int64("time_us", target), zap.Error(err))
		}
		_ = v.Execute(pipeline.CmdStart, nil)
	})

	c.clearCompleted()
	ev := looper.NewEvent(looper.EventSeekComplete)
	ev.Arg64 = target
	if err := c.currentLooper().Post(ev); err != nil {
		c.logger.Warn("post seek complete", zap.Error(err))
		c.seek.reset()
	}
}

func (c *Controller) onSeekComplete(ev looper.Event) {
	c.seek.mu.Lock()
	c.seek.phase = seekIdle
	c.seek.mu.Unlock()

	switch c.State() {
	case StatePrepared, StateStarted, StatePaused, StateComplete:
	default:
		return
	}

	c.setPosition(ev.Arg64)
	c.setState(StateStarted)
	c.startDelivery()
	c.notify(looper.EventSeekComplete, 0, 0, ev.Arg64)

	if saved := c.seek.takeSaved(); saved >= 0 {
		c.seekTo(saved, false)
	}
}
