// Package memory provides a dispatch queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
)

// Options bounds how many finished tasks are remembered.
type Options struct {
	CompletedRetention int
	FailedRetention    int
}

type entry struct {
	task  dispatch.Task
	state dispatch.State
}

// Queue is an in-process dispatch.Queue with context-aware blocking dequeue.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*entry
	waiting   []string
	delayed   map[string]time.Time
	completed []string
	failed    []string
	active    int64
	paused    bool
	closed    bool
	changed   chan struct{}
	opts      Options
}

var _ dispatch.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.CompletedRetention <= 0 {
		opts.CompletedRetention = 1000
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = 10000
	}
	return &Queue{
		tasks:   make(map[string]*entry),
		delayed: make(map[string]time.Time),
		changed: make(chan struct{}),
		opts:    opts,
	}
}

// broadcastLocked wakes every blocked Dequeue.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Enqueue adds the task unless its key is already in flight.
func (q *Queue) Enqueue(ctx context.Context, task dispatch.Task) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if task.Key == "" {
		task.Key = dispatch.Key(task.JobID, task.ItemID)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, dispatch.ErrClosed
	}
	if e, ok := q.tasks[task.Key]; ok {
		switch e.state {
		case dispatch.StateWaiting, dispatch.StateDelayed, dispatch.StateActive:
			return false, nil
		case dispatch.StateCompleted:
			q.completed = removeKey(q.completed, task.Key)
		case dispatch.StateFailed:
			q.failed = removeKey(q.failed, task.Key)
		}
	}
	q.tasks[task.Key] = &entry{task: task, state: dispatch.StateWaiting}
	q.waiting = append(q.waiting, task.Key)
	q.broadcastLocked()
	return true, nil
}

// Dequeue pops the next waiting task, respecting pause and context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (dispatch.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return dispatch.Task{}, dispatch.ErrClosed
		}
		now := time.Now()
		q.promoteLocked(now)
		if !q.paused && len(q.waiting) > 0 {
			key := q.waiting[0]
			q.waiting = q.waiting[1:]
			e := q.tasks[key]
			e.state = dispatch.StateActive
			q.active++
			task := e.task
			q.mu.Unlock()
			return task, nil
		}
		wait := q.nextVisibleLocked(now)
		changed := q.changed
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return dispatch.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// promoteLocked moves delayed tasks whose time has come to the waiting list,
// oldest visibility first.
func (q *Queue) promoteLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	var due []string
	for key, at := range q.delayed {
		if !at.After(now) {
			due = append(due, key)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return q.delayed[due[i]].Before(q.delayed[due[j]])
	})
	for _, key := range due {
		delete(q.delayed, key)
		q.tasks[key].state = dispatch.StateWaiting
		q.waiting = append(q.waiting, key)
	}
}

func (q *Queue) nextVisibleLocked(now time.Time) time.Duration {
	var next time.Duration
	for _, at := range q.delayed {
		d := at.Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (q *Queue) activeEntryLocked(key string) (*entry, error) {
	e, ok := q.tasks[key]
	if !ok || e.state != dispatch.StateActive {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, key)
	}
	return e, nil
}

// Ack marks an active task completed.
func (q *Queue) Ack(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeEntryLocked(key)
	if err != nil {
		return err
	}
	e.state = dispatch.StateCompleted
	q.active--
	q.completed = q.retainLocked(append(q.completed, key), q.opts.CompletedRetention)
	return nil
}

// Fail marks an active task failed.
func (q *Queue) Fail(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeEntryLocked(key)
	if err != nil {
		return err
	}
	e.state = dispatch.StateFailed
	q.active--
	q.failed = q.retainLocked(append(q.failed, key), q.opts.FailedRetention)
	return nil
}

// Discard drops an active task.
func (q *Queue) Discard(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.activeEntryLocked(key); err != nil {
		return err
	}
	delete(q.tasks, key)
	q.active--
	return nil
}

// Retry re-schedules an active task after delay and counts an attempt.
func (q *Queue) Retry(_ context.Context, key string, delay time.Duration) error {
	return q.reschedule(key, delay, true)
}

// Defer re-schedules an active task after delay without counting an attempt.
func (q *Queue) Defer(_ context.Context, key string, delay time.Duration) error {
	return q.reschedule(key, delay, false)
}

func (q *Queue) reschedule(key string, delay time.Duration, attempt bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeEntryLocked(key)
	if err != nil {
		return err
	}
	if attempt {
		e.task.RetryCount++
	}
	q.active--
	if delay <= 0 {
		e.state = dispatch.StateWaiting
		q.waiting = append(q.waiting, key)
	} else {
		e.state = dispatch.StateDelayed
		q.delayed[key] = time.Now().Add(delay)
	}
	q.broadcastLocked()
	return nil
}

func (q *Queue) retainLocked(keys []string, limit int) []string {
	for len(keys) > limit {
		delete(q.tasks, keys[0])
		keys = keys[1:]
	}
	return keys
}

// Pause stops Dequeue from handing out tasks.
func (q *Queue) Pause(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

// Resume lets Dequeue hand out tasks again.
func (q *Queue) Resume(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.broadcastLocked()
	return nil
}

// IsPaused reports whether dispatch is paused.
func (q *Queue) IsPaused(context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

// CancelByJob removes the job's waiting and delayed tasks.
func (q *Queue) CancelByJob(_ context.Context, jobID string) ([]dispatch.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []dispatch.Task
	kept := q.waiting[:0]
	for _, key := range q.waiting {
		e := q.tasks[key]
		if e.task.JobID == jobID {
			removed = append(removed, e.task)
			delete(q.tasks, key)
			continue
		}
		kept = append(kept, key)
	}
	q.waiting = kept
	var delayedKeys []string
	for key := range q.delayed {
		if q.tasks[key].task.JobID == jobID {
			delayedKeys = append(delayedKeys, key)
		}
	}
	sort.Strings(delayedKeys)
	for _, key := range delayedKeys {
		removed = append(removed, q.tasks[key].task)
		delete(q.tasks, key)
		delete(q.delayed, key)
	}
	return removed, nil
}

// Stats returns current queue depth.
func (q *Queue) Stats(context.Context) (dispatch.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := dispatch.Stats{
		Waiting:   int64(len(q.waiting)),
		Active:    q.active,
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Delayed:   int64(len(q.delayed)),
	}
	if q.paused {
		s.Paused, s.Waiting = s.Waiting, 0
	}
	return s.WithTotal(), nil
}

// Ping reports whether the queue is still open.
func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return dispatch.ErrClosed
	}
	return nil
}

// Close wakes blocked consumers and rejects further work. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.broadcastLocked()
	return nil
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}
