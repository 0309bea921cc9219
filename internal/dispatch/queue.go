// Package dispatch defines the broker-agnostic dispatch queue that feeds the
// worker pool. Implementations live in the memory and redis subpackages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Dequeue after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// ErrUnknownTask is returned when a transition names a task that is not active.
var ErrUnknownTask = errors.New("unknown task")

// Task is one dispatch of a queue item. Key is deterministic per item so that
// re-enqueueing the same item is idempotent.
type Task struct {
	Key        string    `json:"key"`
	JobID      string    `json:"job_id"`
	ItemID     int64     `json:"item_id"`
	ExternalID string    `json:"external_id,omitempty"`
	TargetURL  string    `json:"target_url"`
	RetryCount int       `json:"retry_count"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Key builds the dispatch key for an item of a job.
func Key(jobID string, itemID int64) string {
	return fmt.Sprintf("%s-%d", jobID, itemID)
}

// State is where a task currently sits in the queue.
type State string

// Task states.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stats is a point-in-time snapshot of queue depth. While the queue is
// paused, waiting tasks are reported under Paused.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
	Total     int64 `json:"total"`
}

// WithTotal fills Total from the other counters.
func (s Stats) WithTotal() Stats {
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed + s.Paused
	return s
}

// Queue is the durable buffer between the job controller and the worker pool.
type Queue interface {
	// Enqueue adds a task unless its key is already waiting, delayed, or
	// active, in which case it reports false and changes nothing.
	Enqueue(ctx context.Context, task Task) (bool, error)
	// Dequeue blocks until a task is available and the queue is not paused.
	// Queues shared between processes lease the task; one left active past
	// its lease is handed out again.
	Dequeue(ctx context.Context) (Task, error)
	// Ack marks an active task completed.
	Ack(ctx context.Context, key string) error
	// Retry schedules an active task again after delay, counting an attempt.
	Retry(ctx context.Context, key string, delay time.Duration) error
	// Defer schedules an active task again after delay without counting an attempt.
	Defer(ctx context.Context, key string, delay time.Duration) error
	// Fail marks an active task failed.
	Fail(ctx context.Context, key string) error
	// Discard drops an active task without recording an outcome.
	Discard(ctx context.Context, key string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
	// CancelByJob removes the job's waiting and delayed tasks. Active tasks
	// are left to finish.
	CancelByJob(ctx context.Context, jobID string) ([]Task, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}
