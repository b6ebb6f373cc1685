// Package queue holds references to scheduled jobs until they are due.
//
// A DelayQueue only stores job ids, due times and a retry counter. The job
// record itself lives in the store, which is also what the queue is rebuilt
// from after a restart.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any backend failure. Callers treat it as retriable.
var ErrUnavailable = errors.New("queue: unavailable")

// Entry is one live reference in the queue.
type Entry struct {
	JobID   string
	DueAt   time.Time
	Retries int
}

type DelayQueue interface {
	// Enqueue schedules jobID for release at dueAt, replacing any live entry
	// and resetting its retry count. A past dueAt is due immediately.
	Enqueue(ctx context.Context, jobID string, dueAt time.Time) error

	// Ensure inserts jobID only if it has no live entry.
	Ensure(ctx context.Context, jobID string, dueAt time.Time) error

	// DequeueDue removes and returns the earliest due entry. ok is false when
	// nothing is due. Each entry is handed out at most once.
	DequeueDue(ctx context.Context) (entry Entry, ok bool, err error)

	// Requeue puts a dequeued entry back with a new due time and one more
	// retry. The last requeue for an id wins.
	Requeue(ctx context.Context, entry Entry, delay time.Duration) error

	Remove(ctx context.Context, jobID string) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}
