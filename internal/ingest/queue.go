package ingest

import (
	"sync"
	"sync/atomic"

	"tag-vision-go/internal/types"
)

// Queue is the bounded hand-off between a camera source and the
// detection stage. Offer never blocks: when the queue is full the incoming
// frame is dropped and the frame already waiting is kept.
type Queue struct {
	ch chan types.Frame

	mu     sync.RWMutex
	closed bool

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

type QueueStats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	Pending  int    `json:"pending"`
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan types.Frame, capacity)}
}

// Offer tries to enqueue a frame and reports whether it was accepted.
// Frames offered after Close are dropped.
func (q *Queue) Offer(frame types.Frame) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- frame:
		q.accepted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Frames is the consumer side; it is closed by Close.
func (q *Queue) Frames() <-chan types.Frame {
	return q.ch
}

func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Accepted: q.accepted.Load(),
		Dropped:  q.dropped.Load(),
		Pending:  len(q.ch),
	}
}
