package media

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Allocator hands out buffers for decode and render output.
type Allocator interface {
	NewBuffer(size int) (*Buffer, error)
	FreeBuffer(b *Buffer) error
}

// HeapAllocator allocates from the Go heap and tracks outstanding buffers.
type HeapAllocator struct {
	outstanding atomic.Int64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

func (a *HeapAllocator) NewBuffer(size int) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "buffer size %d", size)
	}
	a.outstanding.Add(1)
	return NewBuffer(size), nil
}

func (a *HeapAllocator) FreeBuffer(b *Buffer) error {
	if b == nil {
		return errors.Wrap(ErrBad, "free nil buffer")
	}
	a.outstanding.Add(-1)
	b.SetObserver(nil)
	return nil
}

// Outstanding is the number of buffers allocated and not yet freed.
func (a *HeapAllocator) Outstanding() int64 {
	return a.outstanding.Load()
}

// FrameSize is the byte size of a planar YUV 4:2:0 frame.
func FrameSize(width, height int) int {
	return width * height * 3 / 2
}
