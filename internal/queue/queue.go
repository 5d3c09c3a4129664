// Package queue carries shredding tasks from the ingestion path to the
// shredder worker pool.
package queue

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by a bounded queue that has no room; the task is
	// dropped and its row stays Pending for the recovery sweep.
	ErrFull = errors.New("queue full")
)

// Task asks for one SurveyResponse to be shredded.
type Task struct {
	RowID int64  `json:"rowId"`
	Actor string `json:"actor,omitempty"`
	// ID is the transport message id, set on received tasks.
	ID string `json:"-"`
}

// Queue is at-least-once: a task may be delivered more than once, so
// consumers must be idempotent per RowID.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	// Receive waits for up to one poll window and returns the tasks that
	// arrived, possibly none.
	Receive(ctx context.Context) ([]Task, error)
	Ack(ctx context.Context, t Task) error
	Close() error
}
