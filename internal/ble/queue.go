package ble

import (
	"context"
	"sync"

	"github.com/bigbag/autoota-flasher/internal/transport"
)

// queue buffers notifications until Receive picks them up. Notification
// callbacks run on the adapter goroutine and must never block.
type queue struct {
	items  chan []byte
	done   chan struct{}
	mutex  sync.Mutex
	closed bool
}

func newQueue(size int) *queue {
	return &queue{
		items: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// push copies data into the queue. It reports false when the queue is full or
// closed.
func (q *queue) push(data []byte) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		return false
	}

	select {
	case q.items <- append([]byte(nil), data...):
		return true
	default:
		return false
	}
}

// pop returns the next queued frame. Frames queued before close are still
// delivered.
func (q *queue) pop(ctx context.Context) ([]byte, error) {
	select {
	case data := <-q.items:
		return data, nil
	default:
	}

	select {
	case data := <-q.items:
		return data, nil
	case <-q.done:
		return nil, transport.ErrDisconnected
	case <-ctx.Done():
		return nil, transport.ContextError(ctx)
	}
}

func (q *queue) close() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

func (q *queue) isClosed() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.closed
}
