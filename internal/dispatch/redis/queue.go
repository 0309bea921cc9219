// Package redis implements the dispatch queue on Redis so that API and worker
// processes can share one queue.
//
// Layout under the configured prefix:
//
//	<prefix>:waiting    list of keys in FIFO order
//	<prefix>:delayed    zset of keys scored by visible-at (unix ms)
//	<prefix>:active     zset of keys handed to a worker, scored by lease deadline (unix ms)
//	<prefix>:completed  zset of keys scored by finish time, trimmed to retention
//	<prefix>:failed     zset of keys scored by finish time, trimmed to retention
//	<prefix>:tasks      hash key -> task JSON
//	<prefix>:state      hash key -> state name
//	<prefix>:paused     present while dispatch is paused
//
// A worker that dies between Dequeue and the task's transition leaves the key
// in active. Once its lease runs out, the next Dequeue puts it back at the
// tail of waiting without counting an attempt.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
)

const (
	defaultPrefix             = "scrape"
	defaultPollInterval       = 200 * time.Millisecond
	defaultCompletedRetention = 1000
	defaultFailedRetention    = 10000
	defaultLeaseTimeout       = 5 * time.Minute
	connectionTimeout         = 5 * time.Second
)

// Options configures key naming, polling, and retention.
type Options struct {
	Prefix             string
	PollInterval       time.Duration
	CompletedRetention int64
	FailedRetention    int64
	// LeaseTimeout is how long a dequeued task may stay active before it is
	// handed out again.
	LeaseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = defaultCompletedRetention
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = defaultFailedRetention
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = defaultLeaseTimeout
	}
	return o
}

type keys struct {
	waiting, delayed, active, completed, failed, tasks, state, paused string
}

func newKeys(prefix string) keys {
	return keys{
		waiting:   prefix + ":waiting",
		delayed:   prefix + ":delayed",
		active:    prefix + ":active",
		completed: prefix + ":completed",
		failed:    prefix + ":failed",
		tasks:     prefix + ":tasks",
		state:     prefix + ":state",
		paused:    prefix + ":paused",
	}
}

var enqueueScript = goredis.NewScript(`
local s = redis.call("HGET", KEYS[1], ARGV[1])
if s == "waiting" or s == "delayed" or s == "active" then
	return 0
end
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], "waiting")
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("RPUSH", KEYS[3], ARGV[1])
return 1
`)

var dequeueScript = goredis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[5], "-inf", ARGV[1])
for _, k in ipairs(stalled) do
	redis.call("ZREM", KEYS[5], k)
	redis.call("HSET", KEYS[1], k, "waiting")
	redis.call("RPUSH", KEYS[3], k)
end
if redis.call("EXISTS", KEYS[6]) == 1 then
	return false
end
local due = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[1])
for _, k in ipairs(due) do
	redis.call("ZREM", KEYS[4], k)
	redis.call("HSET", KEYS[1], k, "waiting")
	redis.call("RPUSH", KEYS[3], k)
end
local k = redis.call("LPOP", KEYS[3])
if not k then
	return false
end
redis.call("HSET", KEYS[1], k, "active")
redis.call("ZADD", KEYS[5], ARGV[2], k)
return redis.call("HGET", KEYS[2], k)
`)

var finishScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= "active" then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
local over = redis.call("ZCARD", KEYS[3]) - tonumber(ARGV[4])
if over > 0 then
	local old = redis.call("ZRANGE", KEYS[3], 0, over - 1)
	for _, k in ipairs(old) do
		redis.call("HDEL", KEYS[1], k)
		redis.call("HDEL", KEYS[4], k)
	end
	redis.call("ZREMRANGEBYRANK", KEYS[3], 0, over - 1)
end
return 1
`)

var discardScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= "active" then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
return 1
`)

var rescheduleScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= "active" then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) <= 0 then
	redis.call("HSET", KEYS[1], ARGV[1], "waiting")
	redis.call("RPUSH", KEYS[5], ARGV[1])
else
	redis.call("HSET", KEYS[1], ARGV[1], "delayed")
	redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
end
return 1
`)

// Keys are "<jobID>-<itemID>"; the digit check keeps job "a" from matching "a-b-1".
var cancelScript = goredis.NewScript(`
local prefix = ARGV[1]
local function owned(k)
	return string.sub(k, 1, #prefix) == prefix and string.match(string.sub(k, #prefix + 1), "^%d+$") ~= nil
end
local removed = {}
local function drop(k)
	table.insert(removed, redis.call("HGET", KEYS[2], k))
	redis.call("HDEL", KEYS[1], k)
	redis.call("HDEL", KEYS[2], k)
end
for _, k in ipairs(redis.call("LRANGE", KEYS[3], 0, -1)) do
	if owned(k) then
		redis.call("LREM", KEYS[3], 0, k)
		drop(k)
	end
end
for _, k in ipairs(redis.call("ZRANGE", KEYS[4], 0, -1)) do
	if owned(k) then
		redis.call("ZREM", KEYS[4], k)
		drop(k)
	end
end
return removed
`)

// Queue is a dispatch.Queue stored in Redis.
type Queue struct {
	client    *goredis.Client
	ownClient bool
	keys      keys
	opts      Options

	closeOnce sync.Once
	done      chan struct{}
}

var _ dispatch.Queue = (*Queue)(nil)

// Dial connects to the Redis server at url and verifies the connection.
func Dial(ctx context.Context, url string, opts Options) (*Queue, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	redisOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q := New(client, opts)
	q.ownClient = true
	return q, nil
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client *goredis.Client, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client: client,
		keys:   newKeys(opts.Prefix),
		opts:   opts,
		done:   make(chan struct{}),
	}
}

func (q *Queue) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue adds the task unless its key is already waiting, delayed, or active.
func (q *Queue) Enqueue(ctx context.Context, task dispatch.Task) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if q.closed() {
		return false, dispatch.ErrClosed
	}
	if task.Key == "" {
		task.Key = dispatch.Key(task.JobID, task.ItemID)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("encode task: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.state, q.keys.tasks, q.keys.waiting, q.keys.completed, q.keys.failed},
		task.Key, payload,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task.Key, err)
	}
	return added == 1, nil
}

// Dequeue polls until a task is visible and dispatch is not paused. The task
// is leased to the caller for LeaseTimeout.
func (q *Queue) Dequeue(ctx context.Context) (dispatch.Task, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if q.closed() {
			return dispatch.Task{}, dispatch.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return dispatch.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		now := time.Now()
		payload, err := dequeueScript.Run(ctx, q.client,
			[]string{q.keys.state, q.keys.tasks, q.keys.waiting, q.keys.delayed, q.keys.active, q.keys.paused},
			now.UnixMilli(), now.Add(q.opts.LeaseTimeout).UnixMilli(),
		).Text()
		switch {
		case err == nil:
			var task dispatch.Task
			if err := json.Unmarshal([]byte(payload), &task); err != nil {
				return dispatch.Task{}, fmt.Errorf("decode task: %w", err)
			}
			return task, nil
		case errors.Is(err, goredis.Nil):
		case ctx.Err() != nil:
			return dispatch.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		default:
			return dispatch.Task{}, fmt.Errorf("dequeue: %w", err)
		}

		select {
		case <-ctx.Done():
			return dispatch.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			return dispatch.Task{}, dispatch.ErrClosed
		case <-ticker.C:
		}
	}
}

// Ack marks an active task completed.
func (q *Queue) Ack(ctx context.Context, key string) error {
	return q.finish(ctx, key, dispatch.StateCompleted, q.keys.completed, q.opts.CompletedRetention)
}

// Fail marks an active task failed.
func (q *Queue) Fail(ctx context.Context, key string) error {
	return q.finish(ctx, key, dispatch.StateFailed, q.keys.failed, q.opts.FailedRetention)
}

func (q *Queue) finish(ctx context.Context, key string, state dispatch.State, set string, retention int64) error {
	ok, err := finishScript.Run(ctx, q.client,
		[]string{q.keys.state, q.keys.active, set, q.keys.tasks},
		key, string(state), time.Now().UnixMilli(), retention,
	).Int()
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", key, state, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, key)
	}
	return nil
}

// Discard drops an active task.
func (q *Queue) Discard(ctx context.Context, key string) error {
	ok, err := discardScript.Run(ctx, q.client,
		[]string{q.keys.state, q.keys.active, q.keys.tasks}, key,
	).Int()
	if err != nil {
		return fmt.Errorf("discard %s: %w", key, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, key)
	}
	return nil
}

// Retry re-schedules an active task after delay and counts an attempt.
func (q *Queue) Retry(ctx context.Context, key string, delay time.Duration) error {
	return q.reschedule(ctx, key, delay, true)
}

// Defer re-schedules an active task after delay without counting an attempt.
func (q *Queue) Defer(ctx context.Context, key string, delay time.Duration) error {
	return q.reschedule(ctx, key, delay, false)
}

func (q *Queue) reschedule(ctx context.Context, key string, delay time.Duration, attempt bool) error {
	raw, err := q.client.HGet(ctx, q.keys.tasks, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, key)
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", key, err)
	}
	var task dispatch.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode task %s: %w", key, err)
	}
	if attempt {
		task.RetryCount++
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	ok, err := rescheduleScript.Run(ctx, q.client,
		[]string{q.keys.state, q.keys.active, q.keys.tasks, q.keys.delayed, q.keys.waiting},
		key, payload, time.Now().Add(delay).UnixMilli(), delay.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", key, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownTask, key)
	}
	return nil
}

// Pause stops every consumer of this queue from receiving tasks.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys.paused, "1", 0).Err(); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	return nil
}

// Resume lets consumers receive tasks again.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys.paused).Err(); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	return nil
}

// IsPaused reports whether dispatch is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.keys.paused).Result()
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return n == 1, nil
}

// CancelByJob removes the job's waiting and delayed tasks.
func (q *Queue) CancelByJob(ctx context.Context, jobID string) ([]dispatch.Task, error) {
	raw, err := cancelScript.Run(ctx, q.client,
		[]string{q.keys.state, q.keys.tasks, q.keys.waiting, q.keys.delayed},
		jobID+"-",
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("cancel tasks for job %s: %w", jobID, err)
	}
	removed := make([]dispatch.Task, 0, len(raw))
	for _, payload := range raw {
		var task dispatch.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		removed = append(removed, task)
	}
	return removed, nil
}

// Stats reads queue depth in one round trip.
func (q *Queue) Stats(ctx context.Context) (dispatch.Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.keys.waiting)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	paused := pipe.Exists(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil {
		return dispatch.Stats{}, fmt.Errorf("read queue stats: %w", err)
	}
	s := dispatch.Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	if paused.Val() == 1 {
		s.Paused, s.Waiting = s.Waiting, 0
	}
	return s.WithTotal(), nil
}

// Ping checks connectivity to Redis.
func (q *Queue) Ping(ctx context.Context) error {
	if q.closed() {
		return dispatch.ErrClosed
	}
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close wakes blocked consumers and, for queues opened with Dial, closes the client.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		if q.ownClient {
			err = q.client.Close()
		}
	})
	return err
}
