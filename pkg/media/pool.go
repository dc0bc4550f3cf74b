package media

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BufferPool is a fixed-capacity set of reusable buffers. Acquisition scans
// for a free buffer large enough for the request; the scan is linear because
// pools hold tens of buffers at most.
type BufferPool struct {
	name     string
	capacity int

	mu      sync.Mutex
	cond    *sync.Cond
	buffers []*Buffer
	running bool

	logger *zap.Logger
}

func NewBufferPool(name string, capacity int, logger *zap.Logger) *BufferPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &BufferPool{
		name:     name,
		capacity: capacity,
		buffers:  make([]*Buffer, 0, capacity),
		logger:   logger.With(zap.String("component", "buffer_pool"), zap.String("pool", name)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewBufferPoolWith registers count buffers obtained from alloc and starts the pool.
func NewBufferPoolWith(name string, count, size int, alloc Allocator, logger *zap.Logger) (*BufferPool, error) {
	if alloc == nil {
		alloc = NewHeapAllocator()
	}
	p := NewBufferPool(name, count, logger)
	for i := 0; i < count; i++ {
		b, err := alloc.NewBuffer(size)
		if err != nil {
			p.ReleaseAllBuffers()
			return nil, errors.Wrapf(err, "pool %s: allocate buffer %d", name, i)
		}
		if err := p.RegisterBuffer(b); err != nil {
			p.ReleaseAllBuffers()
			return nil, err
		}
	}
	p.Start()
	return p, nil
}

func (p *BufferPool) Name() string { return p.name }

func (p *BufferPool) Capacity() int { return p.capacity }

// RegisterBuffer adds a pre-allocated buffer and makes the pool its observer.
func (p *BufferPool) RegisterBuffer(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) >= p.capacity {
		return errors.Wrapf(ErrPoolFull, "pool %s holds %d buffers", p.name, p.capacity)
	}
	b.SetObserver(p)
	p.buffers = append(p.buffers, b)
	return nil
}

// AcquireBuffer returns a free buffer with capacity >= minSize holding one
// reference. With block set it waits for a release or for the pool to stop.
func (p *BufferPool) AcquireBuffer(block bool, minSize int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffers) == 0 {
		return nil, errors.Wrapf(ErrPoolEmpty, "pool %s", p.name)
	}

	for {
		if !p.running {
			return nil, errors.Wrapf(ErrNotRunning, "pool %s", p.name)
		}
		for _, b := range p.buffers {
			if b.Capacity() < minSize {
				continue
			}
			if b.tryAcquire() {
				b.Reset()
				return b, nil
			}
		}
		if !block {
			return nil, errors.Wrapf(ErrNotAvailable, "pool %s", p.name)
		}
		p.cond.Wait()
		if len(p.buffers) == 0 {
			return nil, errors.Wrapf(ErrPoolEmpty, "pool %s", p.name)
		}
	}
}

// SignalBufferReturned wakes one waiter.
func (p *BufferPool) SignalBufferReturned(*Buffer) {
	p.mu.Lock()
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *BufferPool) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
}

// Stop marks the pool as not running and wakes every blocked acquirer.
func (p *BufferPool) Stop() {
	p.mu.Lock()
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *BufferPool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Len is the number of registered buffers.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// InUse counts buffers with a non-zero reference count.
func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buffers {
		if b.RefCount() > 0 {
			n++
		}
	}
	return n
}

// ReleaseAllBuffers forgets every buffer regardless of outstanding references.
// A referenced buffer at this point is a leak upstream and is logged.
func (p *BufferPool) ReleaseAllBuffers() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, b := range p.buffers {
		if refs := b.RefCount(); refs > 0 {
			p.logger.Warn("releasing referenced buffer",
				zap.Int("index", i),
				zap.Int32("refs", refs),
				zap.Int("capacity", b.Capacity()))
		}
		b.refs.Store(0)
		b.SetObserver(nil)
	}
	p.buffers = p.buffers[:0]
	p.cond.Broadcast()
}
