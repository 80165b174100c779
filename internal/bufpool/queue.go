package bufpool

import (
	"context"
	"sync"
)

// Queue is a FIFO that moves buffer ownership from producers to a single
// consumer, typically a send worker. A buffer pushed onto the queue belongs
// to whoever pops it.
type Queue struct {
	mu     sync.Mutex
	items  []*Buffer
	closed bool
	notify chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push hands buf to the queue. It reports false once the queue is closed,
// in which case the caller still owns buf.
func (q *Queue) Push(buf *Buffer) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, buf)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the oldest buffer without waiting.
func (q *Queue) TryPop() (*Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	buf := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return buf, true
}

// Pop waits for the oldest buffer. It returns false when ctx is done.
func (q *Queue) Pop(ctx context.Context) (*Buffer, bool) {
	for {
		if buf, ok := q.TryPop(); ok {
			return buf, true
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close refuses further pushes and returns whatever was still queued. The
// caller owns the returned buffers.
func (q *Queue) Close() []*Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
