package media

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Observer is told when a buffer's reference count drops to zero.
type Observer interface {
	SignalBufferReturned(b *Buffer)
}

// Buffer is a reference-counted block of media data with attached metadata.
// The pool that registered it owns the backing storage; holders with a
// non-zero reference may read and write the payload.
type Buffer struct {
	data   []byte
	offset int
	length int
	meta   Metadata

	refs     atomic.Int32
	observer atomic.Pointer[observerRef]
}

type observerRef struct{ o Observer }

// NewBuffer allocates a buffer with the given capacity and an empty range.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data: make([]byte, capacity),
		meta: NewMetadata(),
	}
}

// WrapBuffer builds a buffer over data; the range covers all of it.
func WrapBuffer(data []byte) *Buffer {
	return &Buffer{
		data:   data,
		length: len(data),
		meta:   NewMetadata(),
	}
}

func (b *Buffer) Capacity() int { return len(b.data) }

func (b *Buffer) Offset() int { return b.offset }

func (b *Buffer) Size() int { return b.length }

// Data returns the valid range of the payload.
func (b *Buffer) Data() []byte {
	return b.data[b.offset : b.offset+b.length]
}

// Bytes returns the whole backing storage.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) SetRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(b.data) {
		return errors.Wrapf(ErrInvalidConfig, "range %d+%d exceeds capacity %d", offset, length, len(b.data))
	}
	b.offset = offset
	b.length = length
	return nil
}

// Write copies p to the start of the buffer and sets the range to cover it.
func (b *Buffer) Write(p []byte) error {
	if len(p) > len(b.data) {
		return errors.Wrapf(ErrInvalidConfig, "payload %d exceeds capacity %d", len(p), len(b.data))
	}
	copy(b.data, p)
	b.offset = 0
	b.length = len(p)
	return nil
}

func (b *Buffer) Meta() Metadata {
	if b.meta == nil {
		b.meta = NewMetadata()
	}
	return b.meta
}

// Reset clears the logical range and metadata. The reference count is not touched.
func (b *Buffer) Reset() {
	b.offset = 0
	b.length = 0
	b.Meta().Reset()
}

func (b *Buffer) SetObserver(o Observer) {
	if o == nil {
		b.observer.Store(nil)
		return
	}
	b.observer.Store(&observerRef{o: o})
}

func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

func (b *Buffer) AddRef() {
	b.refs.Add(1)
}

// Release drops one reference and notifies the observer when it was the last.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n < 0 {
		b.refs.Store(0)
		return
	}
	if n != 0 {
		return
	}
	if ref := b.observer.Load(); ref != nil {
		ref.o.SignalBufferReturned(b)
	}
}

// tryAcquire moves the buffer from free to held.
func (b *Buffer) tryAcquire() bool {
	return b.refs.CompareAndSwap(0, 1)
}

// MarkEOS turns b into the end-of-stream sentinel: empty payload, EOS flag set.
func (b *Buffer) MarkEOS() {
	b.offset = 0
	b.length = 0
	b.Meta().SetBool(KeyEOS, true)
}

func (b *Buffer) IsEOS() bool {
	return b.meta != nil && b.meta.Bool(KeyEOS)
}

func (b *Buffer) SetPTS(us int64) {
	b.Meta().SetInt(KeyPTS, us)
}

// PTS returns the presentation timestamp in microseconds, or -1 when unset.
func (b *Buffer) PTS() int64 {
	if b.meta == nil {
		return -1
	}
	return b.meta.IntOr(KeyPTS, -1)
}

// NewEOSBuffer returns a standalone EOS sentinel holding one reference.
func NewEOSBuffer(track TrackType) *Buffer {
	b := NewBuffer(0)
	b.MarkEOS()
	b.Meta().SetInt(KeyTrackType, int64(track))
	b.refs.Store(1)
	return b
}
