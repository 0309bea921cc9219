package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
)

func task(jobID string, itemID int64) dispatch.Task {
	return dispatch.Task{JobID: jobID, ItemID: itemID, TargetURL: "https://example.com"}
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{})
	result := make(chan dispatch.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- got
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	added, err := q.Enqueue(context.Background(), task("job-1", 1))
	require.NoError(t, err)
	require.True(t, added)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1-1", got.Key)
		require.False(t, got.EnqueuedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueEnqueueIsIdempotentWhileInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})

	added, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.True(t, added)
	added, err = q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.False(t, added)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	added, err = q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.False(t, added, "active task must not be duplicated")

	require.NoError(t, q.Ack(ctx, got.Key))
	added, err = q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.True(t, added, "completed task may be dispatched again")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Waiting)
	require.Zero(t, stats.Completed)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})
	for i := int64(1); i <= 3; i++ {
		_, err := q.Enqueue(ctx, task("job", i))
		require.NoError(t, err)
	}
	for i := int64(1); i <= 3; i++ {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, i, got.ItemID)
	}
}

func TestQueueRetryCountsAttemptAndDelays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, got.Key, 30*time.Millisecond))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)
	require.Zero(t, stats.Active)

	start := time.Now()
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, 1, got.RetryCount)

	require.NoError(t, q.Defer(ctx, got.Key, 0))
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount, "defer does not count an attempt")
}

func TestQueueTransitionsRequireActiveTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)

	require.ErrorIs(t, q.Ack(ctx, "job-1"), dispatch.ErrUnknownTask)
	require.ErrorIs(t, q.Fail(ctx, "missing"), dispatch.ErrUnknownTask)
	require.ErrorIs(t, q.Retry(ctx, "missing", time.Second), dispatch.ErrUnknownTask)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, got.Key))
	require.ErrorIs(t, q.Discard(ctx, got.Key), dispatch.ErrUnknownTask)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, dispatch.Stats{Failed: 1, Total: 1}, stats)
}

func TestQueuePauseBlocksDequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})
	require.NoError(t, q.Pause(ctx))
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	require.True(t, paused)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Waiting)
	require.Equal(t, int64(1), stats.Paused)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	result := make(chan dispatch.Task, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			result <- got
		}
	}()
	require.NoError(t, q.Resume(ctx))
	select {
	case got := <-result:
		require.Equal(t, int64(1), got.ItemID)
	case <-time.After(time.Second):
		t.Fatal("resume did not release dequeue")
	}
}

func TestQueueCancelByJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{})
	for _, tk := range []dispatch.Task{task("a", 1), task("b", 1), task("a", 2), task("a", 3)} {
		_, err := q.Enqueue(ctx, tk)
		require.NoError(t, err)
	}
	active, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a-1", active.Key)
	delayed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b-1", delayed.Key)
	require.NoError(t, q.Retry(ctx, delayed.Key, time.Hour))

	removed, err := q.CancelByJob(ctx, "a")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Equal(t, "a-2", removed[0].Key)
	require.Equal(t, "a-3", removed[1].Key)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Active, "in-flight task is left to finish")
	require.Equal(t, int64(1), stats.Delayed)
	require.Zero(t, stats.Waiting)

	removed, err = q.CancelByJob(ctx, "b")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.NoError(t, q.Ack(ctx, active.Key))
}

func TestQueueRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(Options{CompletedRetention: 2})
	for i := int64(1); i <= 3; i++ {
		_, err := q.Enqueue(ctx, task("job", i))
		require.NoError(t, err)
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, got.Key))
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Completed)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	_, err = q.Enqueue(ctx, task("job", 1))
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, dispatch.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake dequeue")
	}
	require.ErrorIs(t, q.Ping(context.Background()), dispatch.ErrClosed)
	// Closing twice should be safe.
	require.NoError(t, q.Close())
}
