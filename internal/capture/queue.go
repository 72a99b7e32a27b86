package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stats reports queue traffic since creation.
type Stats struct {
	Pushed  int64
	Popped  int64
	Cleared int64
}

// Queue is an unbounded FIFO of chunks shared by one producer callback and
// one consumer loop. Push never blocks.
type Queue struct {
	mu    sync.Mutex
	items []Chunk
	ready chan struct{}

	pushed  atomic.Int64
	popped  atomic.Int64
	cleared atomic.Int64
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends a chunk and wakes a waiting Pop.
func (q *Queue) Push(c Chunk) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.pushed.Add(1)

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest chunk, blocking until one is available or ctx is
// done. On cancellation it returns context.Cause(ctx).
func (q *Queue) Pop(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = Chunk{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			q.popped.Add(1)
			return c, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, context.Cause(ctx)
		case <-q.ready:
		}
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards every queued chunk and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	select {
	case <-q.ready:
	default:
	}
	q.cleared.Add(int64(n))
	return n
}

func (q *Queue) Stats() Stats {
	return Stats{
		Pushed:  q.pushed.Load(),
		Popped:  q.popped.Load(),
		Cleared: q.cleared.Load(),
	}
}
