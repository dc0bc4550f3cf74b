package pipeline

import (
	"sync"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// BufferQueue is a port queue with its own lock, independent of the
// registry's structural lock.
type BufferQueue struct {
	mu   sync.Mutex
	bufs []*media.Buffer
}

func NewBufferQueue() *BufferQueue {
	return &BufferQueue{}
}

func (q *BufferQueue) Push(b *media.Buffer) {
	q.mu.Lock()
	q.bufs = append(q.bufs, b)
	q.mu.Unlock()
}

// Pop removes the oldest buffer. It never blocks.
func (q *BufferQueue) Pop() (*media.Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.bufs) == 0 {
		return nil, false
	}
	b := q.bufs[0]
	q.bufs[0] = nil
	q.bufs = q.bufs[1:]
	return b, true
}

func (q *BufferQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}

// Flush releases every queued buffer back to its pool.
func (q *BufferQueue) Flush() int {
	q.mu.Lock()
	bufs := q.bufs
	q.bufs = nil
	q.mu.Unlock()

	for _, b := range bufs {
		b.Release()
	}
	return len(bufs)
}
