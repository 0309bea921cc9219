package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q := New(client, opts)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func task(jobID string, itemID int64) dispatch.Task {
	return dispatch.Task{JobID: jobID, ItemID: itemID, ExternalID: "pb", TargetURL: "https://example.com"}
}

func TestQueueEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Prefix: "test"})

	added, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.True(t, added)
	added, err = q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.False(t, added)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got.Key)
	require.Equal(t, "https://example.com", got.TargetURL)
	require.True(t, mr.Exists("test:active"))

	require.NoError(t, q.Ack(ctx, got.Key))
	require.ErrorIs(t, q.Ack(ctx, got.Key), dispatch.ErrUnknownTask)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, dispatch.Stats{Completed: 1, Total: 1}, stats)

	added, err = q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.True(t, added, "completed task may be dispatched again")
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
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

func TestQueueRetryPromotesAfterDelay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, got.Key, 40*time.Millisecond))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)
	require.Zero(t, stats.Active)

	start := time.Now()
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, 1, got.RetryCount)

	require.NoError(t, q.Defer(ctx, got.Key, 0))
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.RetryCount)

	require.NoError(t, q.Fail(ctx, got.Key))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Failed)
}

func TestQueueReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{LeaseTimeout: 50 * time.Millisecond})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)

	// The worker holding this lease never comes back.
	lost, err := q.Dequeue(ctx)
	require.NoError(t, err)

	added, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.False(t, added, "a live lease keeps the key active")

	time.Sleep(60 * time.Millisecond)
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, lost.Key, got.Key)
	require.Zero(t, got.RetryCount)

	require.NoError(t, q.Ack(ctx, got.Key))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, dispatch.Stats{Completed: 1, Total: 1}, stats)
}

func TestQueueDiscard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Prefix: "d"})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Discard(ctx, got.Key))
	require.ErrorIs(t, q.Discard(ctx, got.Key), dispatch.ErrUnknownTask)
	require.False(t, mr.Exists("d:tasks"))
}

func TestQueuePause(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	_, err := q.Enqueue(ctx, task("job", 1))
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

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

	require.NoError(t, q.Resume(ctx))
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.ItemID)
}

func TestQueueCancelByJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	for _, tk := range []dispatch.Task{task("a", 1), task("a-b", 1), task("a", 2), task("a", 3)} {
		_, err := q.Enqueue(ctx, tk)
		require.NoError(t, err)
	}
	active, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a-1", active.Key)
	other, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a-b-1", other.Key)
	require.NoError(t, q.Retry(ctx, other.Key, time.Hour))
	delayedA, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, delayedA.Key, time.Hour))

	removed, err := q.CancelByJob(ctx, "a")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Equal(t, "a-3", removed[0].Key)
	require.Equal(t, "a-2", removed[1].Key)
	require.Equal(t, 1, removed[1].RetryCount)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Active, "in-flight task is left to finish")
	require.Equal(t, int64(1), stats.Delayed, "other job is untouched")
	require.Zero(t, stats.Waiting)
}

func TestQueueRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Prefix: "r", CompletedRetention: 2})
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
	require.Empty(t, mr.HGet("r:tasks", "job-1"), "oldest completed task is trimmed")
	require.NotEmpty(t, mr.HGet("r:tasks", "job-3"))
}

func TestQueueCloseAndCancel(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
	_, err = q.Enqueue(ctx, task("job", 1))
	require.EqualError(t, err, "enqueue canceled: context canceled")

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, dispatch.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake dequeue")
	}
	require.ErrorIs(t, q.Ping(context.Background()), dispatch.ErrClosed)
	require.NoError(t, q.Close())
}

func TestDialRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "", Options{})
	require.EqualError(t, err, "redis url is required")

	mr := miniredis.RunT(t)
	q, err := Dial(context.Background(), "redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	require.NoError(t, q.Ping(context.Background()))
	require.NoError(t, q.Close())
}
