package player

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// delivery is the goroutine moving buffers along the chains: demuxer
// packets into each line's head, then every stage's output into the next
// stage's input.
type delivery struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Controller) startDelivery() {
	c.delivery.mu.Lock()
	defer c.delivery.mu.Unlock()
	if c.delivery.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.delivery.cancel = cancel
	c.delivery.done = done
	go func() {
		defer close(done)
		c.deliverLoop(ctx)
	}()
}

func (c *Controller) stopDelivery() {
	c.delivery.mu.Lock()
	cancel, done := c.delivery.cancel, c.delivery.done
	c.delivery.cancel = nil
	c.delivery.done = nil
	c.delivery.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) deliverLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.DeliveryInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		moved := 0
		if c.State() == StateStarted {
			c.registry.View(func(v *pipeline.View) {
				moved = c.deliverOnce(v)
			})
		}
		if moved > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliverOnce moves at most one buffer per hop and returns how many moved.
func (c *Controller) deliverOnce(v *pipeline.View) int {
	moved := 0
	demux := v.Demuxer()
	clock := clockLine(v)

	for _, line := range pipeline.MediaLines {
		chain := v.Chain(line)
		if len(chain) == 0 {
			continue
		}
		if demux != nil {
			pkt, err := demux.PullPacket(line.Track())
			if err == nil {
				if c.handOff(chain, 0, pkt, line == clock) {
					moved++
				}
			} else if !media.IsTransient(err) && !errors.Is(err, media.ErrEndOfStream) {
				c.logger.Debug("pull packet", zap.Stringer("line", line), zap.Error(err))
			}
		}
		for i := 0; i+1 < len(chain); i++ {
			buf, err := chain[i].PullBuffer(pipeline.PortOutput)
			if err != nil {
				continue
			}
			if c.handOff(chain, i+1, buf, line == clock) {
				moved++
			}
		}
		// nothing renders a line without a sink; drop its output
		if !sinkTerminated(chain) {
			if buf, err := chain[len(chain)-1].PullBuffer(pipeline.PortOutput); err == nil {
				buf.Release()
				moved++
			}
		}
	}
	return moved
}

// sinkTerminated reports whether chain ends in a render stage.
func sinkTerminated(chain []pipeline.Stage) bool {
	return len(chain) > 0 && chain[len(chain)-1].QueryStub().Type == pipeline.StageSink
}

// handOff pushes buf into chain[idx]. Buffers entering the sink of the
// clock line advance the position.
func (c *Controller) handOff(chain []pipeline.Stage, idx int, buf *media.Buffer, clock bool) bool {
	dst := chain[idx]
	if clock && idx == len(chain)-1 && !buf.IsEOS() {
		if pts := buf.PTS(); pts >= 0 {
			c.setPosition(pts)
		}
	}
	if err := dst.PushBuffer(buf, pipeline.PortInput); err != nil {
		c.logger.Warn("push", zap.String("stage", dst.QueryStub().String()), zap.Error(err))
		buf.Release()
		return false
	}
	return true
}

// clockLine is the line whose rendered timestamps drive the position.
func clockLine(v *pipeline.View) pipeline.Line {
	if sinkTerminated(v.Chain(pipeline.LineAudio)) {
		return pipeline.LineAudio
	}
	return pipeline.LineVideo
}
