package server

import (
	"sync"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/network"
)

// inbound is one received chunk tagged with the connection it came from.
type inbound struct {
	id  network.ConnID
	buf *bufpool.Buffer
}

// inboundQueue collects chunks from every receive worker for the tick to
// drain. Pushing hands the buffer over; the pusher must not touch it again.
type inboundQueue struct {
	mu    sync.Mutex
	items []inbound
}

func (q *inboundQueue) Push(id network.ConnID, buf *bufpool.Buffer) {
	q.mu.Lock()
	q.items = append(q.items, inbound{id: id, buf: buf})
	q.mu.Unlock()
}

// Drain takes every queued chunk in arrival order.
func (q *inboundQueue) Drain() []inbound {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *inboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
