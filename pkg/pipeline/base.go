package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"go.uber.org/zap"
)

const DefaultPollInterval = 5 * time.Millisecond

// Handler is the stage-specific half of a BaseStage.
type Handler interface {
	Init(meta media.Metadata) error
	// Step performs one unit of work on the worker goroutine. A transient
	// error or media.ErrEndOfStream makes the worker back off for one poll
	// interval; any other error moves the stage to StateError.
	Step(ctx context.Context) error
}

// Seeker is implemented by stages that honour CmdSeek.
type Seeker interface {
	OnSeek(timeUs int64) error
}

// Flusher is implemented by stages holding state beyond their port queues.
type Flusher interface {
	OnFlush()
}

type StageOptions struct {
	Logger       *zap.Logger
	PollInterval time.Duration
}

// BaseStage carries the parts every stage shares: the lifecycle state
// machine, the input and output port queues, buffer pools and the worker
// goroutine. Concrete stages embed it and forward RunCommand to Dispatch.
type BaseStage struct {
	stub *Stub

	mu        sync.Mutex
	state     State
	inFormat  media.Metadata
	outFormat media.Metadata
	poster    EventPoster
	pools     []*media.BufferPool
	next      Stage
	handler   Handler

	in  *BufferQueue
	out *BufferQueue

	poll         time.Duration
	started      atomic.Bool
	interrupted  atomic.Bool
	eosForwarded atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

func NewBaseStage(stub *Stub, opts StageOptions) *BaseStage {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &BaseStage{
		stub:      stub,
		inFormat:  media.NewMetadata(),
		outFormat: media.NewMetadata(),
		in:        NewBufferQueue(),
		out:       NewBufferQueue(),
		poll:      poll,
		logger:    logger.With(zap.String("component", "stage"), zap.String("stage", stub.Name)),
	}
}

func (b *BaseStage) QueryStub() *Stub { return b.stub }

func (b *BaseStage) Logger() *zap.Logger { return b.logger }

func (b *BaseStage) PollInterval() time.Duration { return b.poll }

func (b *BaseStage) In() *BufferQueue { return b.in }

func (b *BaseStage) Out() *BufferQueue { return b.out }

func (b *BaseStage) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState moves to next if the transition is legal. Illegal transitions are
// logged and ignored.
func (b *BaseStage) SetState(next State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CanTransition(next) {
		b.logger.Warn("invalid stage transition",
			zap.Stringer("from", b.state),
			zap.Stringer("to", next))
		return false
	}
	b.state = next
	return true
}

func (b *BaseStage) forceState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Started reports whether the worker should transform buffers.
func (b *BaseStage) Started() bool {
	return b.started.Load()
}

func (b *BaseStage) PushBuffer(buf *media.Buffer, port Port) error {
	if buf == nil {
		return errors.Wrap(media.ErrBad, "push nil buffer")
	}
	b.queue(port).Push(buf)
	return nil
}

func (b *BaseStage) PullBuffer(port Port) (*media.Buffer, error) {
	buf, ok := b.queue(port).Pop()
	if !ok {
		return nil, media.ErrNotAvailable
	}
	return buf, nil
}

func (b *BaseStage) queue(port Port) *BufferQueue {
	if port == PortInput {
		return b.in
	}
	return b.out
}

func (b *BaseStage) QueryFormat(port Port) media.Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port == PortInput {
		return b.inFormat.Clone()
	}
	return b.outFormat.Clone()
}

func (b *BaseStage) SetFormat(port Port, meta media.Metadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port == PortInput {
		b.inFormat = meta.Clone()
	} else {
		b.outFormat = meta.Clone()
	}
}

func (b *BaseStage) SetEventLooper(p EventPoster) {
	b.mu.Lock()
	b.poster = p
	b.mu.Unlock()
}

// PostEvent forwards ev to the event looper, if one is attached.
func (b *BaseStage) PostEvent(ev looper.Event) error {
	b.mu.Lock()
	p := b.poster
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.PostEvent(ev)
}

// AddPool ties a buffer pool to the stage lifecycle: started on prepare,
// stopped on stop, released on release.
func (b *BaseStage) AddPool(p *media.BufferPool) {
	b.mu.Lock()
	b.pools = append(b.pools, p)
	b.mu.Unlock()
}

// ForwardEOS queues the end-of-stream sentinel on the output port once per
// stream end. It reports whether the sentinel was queued.
func (b *BaseStage) ForwardEOS(track media.TrackType) bool {
	if !b.eosForwarded.CompareAndSwap(false, true) {
		return false
	}
	b.out.Push(media.NewEOSBuffer(track))
	return true
}

func (b *BaseStage) EOSForwarded() bool {
	return b.eosForwarded.Load()
}

// Fail moves the stage to StateError and raises an error event.
func (b *BaseStage) Fail(err error) {
	b.logger.Error("stage failed", zap.Error(err))
	b.forceState(StateError)
	ev := looper.NewEvent(looper.EventError)
	ev.Data = err
	if perr := b.PostEvent(ev); perr != nil {
		b.logger.Warn("post error event", zap.Error(perr))
	}
}

// Sleep waits one poll interval. It returns false when ctx is done.
func (b *BaseStage) Sleep(ctx context.Context) bool {
	t := time.NewTimer(b.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// LinkNext sets the stage lifecycle commands are propagated to.
func (b *BaseStage) LinkNext(next Stage) {
	b.mu.Lock()
	b.next = next
	b.mu.Unlock()
}

func (b *BaseStage) Next() Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Dispatch runs the lifecycle half of RunCommand for h, then propagates
// prepare, start, pause, stop, flush and reset down the chain.
func (b *BaseStage) Dispatch(h Handler, cmd Command, opts media.Metadata) error {
	err := b.dispatch(h, cmd, opts)
	switch cmd {
	case CmdPrepare, CmdStart, CmdPause, CmdStop, CmdFlush, CmdReset:
		if next := b.Next(); next != nil {
			if nerr := next.RunCommand(cmd, opts); nerr != nil && err == nil && !errors.Is(nerr, media.ErrUnsupported) {
				err = nerr
			}
		}
	}
	return err
}

func (b *BaseStage) dispatch(h Handler, cmd Command, opts media.Metadata) error {
	switch cmd {
	case CmdInit:
		return h.Init(opts)
	case CmdPrepare:
		return b.prepare(h)
	case CmdStart:
		if b.SetState(StateStarted) {
			b.started.Store(true)
		}
	case CmdPause:
		if b.SetState(StatePaused) {
			b.started.Store(false)
		}
	case CmdStop:
		b.stop()
		b.SetState(StateStopped)
	case CmdFlush:
		b.flush(h)
	case CmdReset:
		b.stop()
		b.flush(h)
		b.SetState(StateStopped)
	case CmdSeek:
		s, ok := h.(Seeker)
		if !ok {
			return errors.Wrapf(media.ErrUnsupported, "%s: seek", b.stub.Name)
		}
		prev := b.State()
		if !b.SetState(StateSeeking) {
			return nil
		}
		err := s.OnSeek(opts.IntOr(media.KeySeekTime, 0))
		b.forceState(prev)
		b.eosForwarded.Store(false)
		if err != nil {
			return errors.Wrapf(err, "%s: seek", b.stub.Name)
		}
	default:
		return errors.Wrapf(media.ErrUnsupported, "%s: command %s", b.stub.Name, cmd)
	}
	return nil
}

func (b *BaseStage) prepare(h Handler) error {
	if !b.SetState(StatePrepared) {
		return nil
	}

	b.mu.Lock()
	pools := append([]*media.BufferPool(nil), b.pools...)
	running := b.cancel != nil
	b.mu.Unlock()

	for _, p := range pools {
		p.Start()
	}
	if running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.handler = h
	b.mu.Unlock()

	b.interrupted.Store(false)
	b.wg.Add(1)
	go b.run(ctx, h)
	return nil
}

func (b *BaseStage) run(ctx context.Context, h Handler) {
	defer b.wg.Done()

	for !b.interrupted.Load() {
		if !b.started.Load() {
			if !b.Sleep(ctx) {
				return
			}
			continue
		}

		err := h.Step(ctx)
		switch {
		case err == nil:
		case b.interrupted.Load():
			return
		case media.IsTransient(err), errors.Is(err, media.ErrEndOfStream), errors.Is(err, media.ErrNotRunning):
			if !b.Sleep(ctx) {
				return
			}
		default:
			b.Fail(err)
			return
		}
	}
}

// stop interrupts and joins the worker, then returns queued buffers.
func (b *BaseStage) stop() {
	b.started.Store(false)
	b.interrupted.Store(true)

	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	pools := append([]*media.BufferPool(nil), b.pools...)
	h := b.handler
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, p := range pools {
		p.Stop()
	}
	b.wg.Wait()

	b.in.Flush()
	b.out.Flush()
	b.eosForwarded.Store(false)
	if f, ok := h.(Flusher); ok {
		f.OnFlush()
	}
}

func (b *BaseStage) flush(h Handler) {
	n := b.in.Flush() + b.out.Flush()
	b.eosForwarded.Store(false)
	if f, ok := h.(Flusher); ok {
		f.OnFlush()
	}
	b.logger.Debug("flushed", zap.Int("buffers", n))
}

// Release stops the worker and frees every pool. The stage returns to Idle.
func (b *BaseStage) Release() error {
	b.stop()

	b.mu.Lock()
	pools := b.pools
	b.pools = nil
	b.mu.Unlock()

	for _, p := range pools {
		p.ReleaseAllBuffers()
	}
	b.forceState(StateIdle)
	return nil
}
