package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue used when no Redis is configured. Tasks
// do not survive a restart; Pending rows are re-enqueued by the startup sweep.
// Enqueue never blocks, and a row already waiting in the queue is not queued
// twice.
type MemoryQueue struct {
	ch     chan Task
	poll   time.Duration
	batch  int
	mu     sync.Mutex
	closed bool
	queued map[int64]struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Task, capacity), poll: time.Second, batch: 32, queued: map[int64]struct{}{}}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.queued[t.RowID]; ok {
		return nil
	}
	select {
	case q.ch <- t:
		q.queued[t.RowID] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) delivered(ts []Task) {
	q.mu.Lock()
	for _, t := range ts {
		delete(q.queued, t.RowID)
	}
	q.mu.Unlock()
}

func (q *MemoryQueue) Receive(ctx context.Context) ([]Task, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()
	var first Task
	select {
	case t, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		first = t
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := []Task{first}
	defer func() { q.delivered(out) }()
	for len(out) < q.batch {
		select {
		case t, ok := <-q.ch:
			if !ok {
				return out, nil
			}
			out = append(out, t)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Ack is a no-op; channel delivery is already consumed.
func (q *MemoryQueue) Ack(context.Context, Task) error { return nil }

// Len reports queued, undelivered tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
