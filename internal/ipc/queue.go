// Package ipc provides the bounded message-queue and shared-memory
// collaborators control loops publish telemetry through. Both carry a fixed
// capacity with a drop policy: producers never block.
package ipc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Message is one queued telemetry record.
type Message struct {
	Topic   string
	Payload []byte
	Time    time.Time
}

// Queue is a bounded FIFO. Push drops the message (and counts the drop) when
// the queue is full.
type Queue struct {
	mu       sync.Mutex
	ring     *queue.Queue
	capacity int

	total   atomic.Uint64
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity messages. A capacity
// <= 0 falls back to 1.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ring:     queue.New(),
		capacity: capacity,
	}
}

// Push enqueues msg, returning false when the queue was full and the message
// was dropped.
func (q *Queue) Push(msg Message) bool {
	q.total.Add(1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Length() >= q.capacity {
		q.dropped.Add(1)
		return false
	}
	q.ring.Add(msg)
	return true
}

// Pop dequeues the oldest message.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Length() == 0 {
		return Message{}, false
	}
	return q.ring.Remove().(Message), true
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// Stats returns the lifetime totals: messages offered and messages dropped.
func (q *Queue) Stats() (total, dropped uint64) {
	return q.total.Load(), q.dropped.Load()
}
