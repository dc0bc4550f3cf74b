package looper

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("looper stopped")
	ErrFlushed = errors.New("message flushed")
)

// Looper drains a FIFO of commands and events on a single goroutine, so the
// handler observes every message in post order and never concurrently.
type Looper struct {
	name    string
	handler Handler

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Message
	running  bool
	exiting  bool
	stopping bool
	done     chan struct{}
	cancel   context.CancelFunc

	logger *zap.Logger
}

func New(name string, handler Handler, logger *zap.Logger) *Looper {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Looper{
		name:    name,
		handler: handler,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "looper"), zap.String("looper", name)),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Start launches the dispatch goroutine. Cancelling ctx stops the looper.
func (l *Looper) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	if l.stopping {
		l.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.stopping = true
		l.cond.Broadcast()
		l.mu.Unlock()
	}()
	go l.loop()
	return nil
}

func (l *Looper) loop() {
	defer close(l.done)
	defer l.cancel()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.exiting && !l.stopping {
			l.cond.Wait()
		}
		if l.stopping || (l.exiting && len(l.queue) == 0) {
			pending := l.queue
			l.queue = nil
			l.running = false
			l.stopping = true
			l.mu.Unlock()
			failPending(pending, ErrStopped)
			l.logger.Debug("looper exited", zap.Int("dropped", len(pending)))
			return
		}
		msg := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.dispatch(msg)
	}
}

func (l *Looper) dispatch(msg Message) {
	switch m := msg.(type) {
	case Command:
		l.logger.Debug("command", zap.Stringer("kind", m.Kind), zap.Stringer("id", m.id))
		err := l.handler.OnCommand(m)
		if m.done != nil {
			m.done <- err
		}
	case Event:
		l.logger.Debug("event", zap.Stringer("kind", m.Kind), zap.Stringer("id", m.id))
		l.handler.OnEvent(m)
	}
}

func failPending(msgs []Message, err error) {
	for _, msg := range msgs {
		if cmd, ok := msg.(Command); ok && cmd.done != nil {
			cmd.done <- err
		}
	}
}

// Post enqueues msg without waiting for it to be handled.
func (l *Looper) Post(msg Message) error {
	switch m := msg.(type) {
	case Command:
		if m.id == uuid.Nil {
			m.id = uuid.New()
		}
		msg = m
	case Event:
		if m.id == uuid.Nil {
			m.id = uuid.New()
		}
		msg = m
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping || l.exiting {
		return errors.Wrapf(ErrStopped, "looper %s", l.name)
	}
	l.queue = append(l.queue, msg)
	l.cond.Signal()
	return nil
}

// PostEvent is Post for events raised by pipeline stages.
func (l *Looper) PostEvent(ev Event) error {
	return l.Post(ev)
}

// Send enqueues cmd and waits until the handler returns or ctx is done.
func (l *Looper) Send(ctx context.Context, cmd Command) error {
	cmd.done = make(chan error, 1)
	if err := l.Post(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "send %s", cmd.Kind)
	}
}

// Flush drops every queued message. Waiting senders get ErrFlushed.
func (l *Looper) Flush() int {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	failPending(pending, ErrFlushed)
	return len(pending)
}

// FlushEvents drops queued events of the given kind.
func (l *Looper) FlushEvents(kind EventKind) int {
	return l.flushMatching(func(msg Message) bool {
		ev, ok := msg.(Event)
		return ok && ev.Kind == kind
	})
}

// FlushCommands drops queued commands of the given kind.
func (l *Looper) FlushCommands(kind CommandKind) int {
	return l.flushMatching(func(msg Message) bool {
		cmd, ok := msg.(Command)
		return ok && cmd.Kind == kind
	})
}

func (l *Looper) flushMatching(match func(Message) bool) int {
	l.mu.Lock()
	kept := l.queue[:0]
	var dropped []Message
	for _, msg := range l.queue {
		if match(msg) {
			dropped = append(dropped, msg)
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
	l.mu.Unlock()

	failPending(dropped, ErrFlushed)
	return len(dropped)
}

// Pending is the number of queued messages.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RequestExit refuses new messages and lets the goroutine exit once the
// queue is drained.
func (l *Looper) RequestExit() {
	l.mu.Lock()
	l.exiting = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Running reports whether the looper accepts messages.
func (l *Looper) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running && !l.exiting && !l.stopping
}

// Done is closed when the dispatch goroutine has returned.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Stop exits after the message being handled and waits for the goroutine.
// Must not be called from the handler.
func (l *Looper) Stop() {
	l.mu.Lock()
	started := l.running || l.cancel != nil
	l.stopping = true
	l.cond.Broadcast()
	l.mu.Unlock()

	if started {
		<-l.done
	}
}
