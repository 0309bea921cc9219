// Package jobs owns the job lifecycle: registration, start, pause, resume,
// cancel, and progress recomputation. It keeps the store and the dispatch
// queue consistent with each other.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultConcurrency = 3
	defaultRetryLimit  = 3
	defaultListLimit   = 50
	untitledFileName   = "untitled"
)

// Store is the slice of the store the controller uses.
type Store interface {
	scrape.JobStore
	ClaimNextItem(ctx context.Context, jobID string) (scrape.QueueItem, bool, error)
	ListItems(ctx context.Context, jobID string, status scrape.ItemStatus) ([]scrape.QueueItem, error)
	CancelItems(ctx context.Context, jobID string, itemIDs []int64) (int64, error)
}

// Defaults fill in per-job settings a registration leaves out.
type Defaults struct {
	Concurrency int
	RetryLimit  int
}

// Controller drives jobs through their lifecycle.
type Controller struct {
	store    Store
	queue    dispatch.Queue
	ids      scrape.IDGenerator
	clock    scrape.Clock
	defaults Defaults
	logger   *zap.Logger
}

// New constructs a Controller.
func New(
	store Store,
	queue dispatch.Queue,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	defaults Defaults,
	logger *zap.Logger,
) *Controller {
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = defaultConcurrency
	}
	if defaults.RetryLimit < 0 {
		defaults.RetryLimit = defaultRetryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    store,
		queue:    queue,
		ids:      ids,
		clock:    clock,
		defaults: defaults,
		logger:   logger,
	}
}

// RegisterItem is one uploaded row.
type RegisterItem struct {
	ExternalID string `json:"pitchbookId"`
	URL        string `json:"url"`
}

// RegisterRequest describes a job to create. Nil Concurrency or RetryLimit
// take the controller defaults.
type RegisterRequest struct {
	FileName    string         `json:"fileName"`
	Concurrency *int           `json:"concurrency,omitempty"`
	RetryLimit  *int           `json:"retryLimit,omitempty"`
	Items       []RegisterItem `json:"items"`
}

// Register validates a request and creates the job in pending with all of
// its items. Items sharing an external id are kept once.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (scrape.Job, error) {
	var problems []string

	concurrency := c.defaults.Concurrency
	if req.Concurrency != nil {
		concurrency = *req.Concurrency
		if concurrency < 1 {
			problems = append(problems, "concurrency must be at least 1")
		}
	}
	retryLimit := c.defaults.RetryLimit
	if req.RetryLimit != nil {
		retryLimit = *req.RetryLimit
		if retryLimit < 0 {
			problems = append(problems, "retry limit must not be negative")
		}
	}

	items := make([]scrape.NewItem, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	duplicates := 0
	for i, in := range req.Items {
		item, err := buildItem(in)
		if err != nil {
			problems = append(problems, fmt.Sprintf("item %d: %v", i+1, err))
			continue
		}
		if _, dup := seen[item.ExternalID]; dup {
			duplicates++
			continue
		}
		seen[item.ExternalID] = struct{}{}
		items = append(items, item)
	}
	if len(problems) > 0 {
		return scrape.Job{}, fmt.Errorf("%w: %s", scrape.ErrInvalidJob, strings.Join(problems, "; "))
	}

	id, err := c.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("register job: %w", err)
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		fileName = untitledFileName
	}

	job, err := c.store.CreateJob(ctx, scrape.NewJob{
		ID:          id,
		FileName:    fileName,
		Concurrency: concurrency,
		RetryLimit:  retryLimit,
		Items:       items,
		CreatedAt:   c.clock.Now(),
	})
	if err != nil {
		return scrape.Job{}, fmt.Errorf("register job: %w", err)
	}
	c.logger.Info("job registered",
		zap.String("job_id", job.ID),
		zap.String("file_name", job.FileName),
		zap.Int("total_urls", job.TotalURLs),
		zap.Int("duplicates", duplicates),
	)
	return job, nil
}

func buildItem(in RegisterItem) (scrape.NewItem, error) {
	source := strings.TrimSpace(in.URL)
	if source == "" {
		return scrape.NewItem{}, errors.New("url is required")
	}
	target := source
	if scrape.IsProfileURL(source) {
		transformed, ok := scrape.TransformURL(source)
		if !ok {
			return scrape.NewItem{}, fmt.Errorf("profile url %q has no company id", source)
		}
		target = transformed
	}
	if err := scrape.ValidateTargetURL(target); err != nil {
		return scrape.NewItem{}, err
	}

	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		if id, ok := scrape.ExtractProfileID(source); ok {
			externalID = id
		} else {
			externalID = source
		}
	}
	return scrape.NewItem{ExternalID: externalID, SourceURL: source, TargetURL: target}, nil
}

// Get returns a job.
func (c *Controller) Get(ctx context.Context, id string) (scrape.Job, error) {
	return c.store.GetJob(ctx, id)
}

// List returns the most recent jobs, newest first.
func (c *Controller) List(ctx context.Context, limit int) ([]scrape.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return c.store.ListJobs(ctx, limit)
}

// Start moves a pending or processing job to processing and enqueues its
// outstanding items. It returns how many tasks were newly enqueued. Calling it
// again on a running job rebuilds lost dispatch state without duplicating
// tasks. A job with nothing outstanding completes immediately.
func (c *Controller) Start(ctx context.Context, id string) (int, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != scrape.JobStatusPending && job.Status != scrape.JobStatusProcessing {
		return 0, fmt.Errorf("start job %s from %s: %w", id, job.Status, scrape.ErrInvalidTransition)
	}
	log := c.logger.With(zap.String("job_id", id))

	// A global pause left by another job would stall this one; paused jobs
	// stay held back by the worker's per-job status check.
	if err := c.resumeQueue(ctx); err != nil {
		return 0, err
	}
	if job.Status == scrape.JobStatusPending {
		if job, err = c.setStatus(ctx, job.ID, job.Status, scrape.JobStatusProcessing); err != nil {
			return 0, err
		}
	}

	n, err := c.drain(ctx, job)
	if err != nil {
		c.recordJobError(ctx, log, id, fmt.Sprintf("enqueue items: %v", err))
		return n, err
	}
	log.Info("job started", zap.Int("enqueued", n), zap.Int("total_urls", job.TotalURLs))
	if n == 0 {
		if _, err := c.RecomputeProgress(ctx, id); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Pause stops dispatching and marks the job paused. In-flight items finish.
func (c *Controller) Pause(ctx context.Context, id string) (scrape.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.Status == scrape.JobStatusPaused {
		return job, nil
	}
	if !CanTransition(job.Status, scrape.JobStatusPaused) {
		return scrape.Job{}, fmt.Errorf("pause job %s from %s: %w", id, job.Status, scrape.ErrInvalidTransition)
	}
	// Status first: if a worker completed the job meanwhile, the queue stays untouched.
	job, err = c.setStatus(ctx, id, job.Status, scrape.JobStatusPaused)
	if err != nil {
		return scrape.Job{}, err
	}
	if err := c.queue.Pause(ctx); err != nil {
		return job, fmt.Errorf("pause dispatch queue: %w", err)
	}
	c.logger.Info("job paused", zap.String("job_id", id))
	return job, nil
}

// Resume restarts dispatching for a paused job and re-enqueues anything the
// queue lost while it was paused.
func (c *Controller) Resume(ctx context.Context, id string) (scrape.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.Status == scrape.JobStatusProcessing {
		return job, nil
	}
	if job.Status != scrape.JobStatusPaused {
		return scrape.Job{}, fmt.Errorf("resume job %s from %s: %w", id, job.Status, scrape.ErrInvalidTransition)
	}
	if err := c.resumeQueue(ctx); err != nil {
		return scrape.Job{}, err
	}
	job, err = c.setStatus(ctx, id, job.Status, scrape.JobStatusProcessing)
	if err != nil {
		return scrape.Job{}, err
	}

	log := c.logger.With(zap.String("job_id", id))
	n, err := c.drain(ctx, job)
	if err != nil {
		c.recordJobError(ctx, log, id, fmt.Sprintf("enqueue items: %v", err))
		return job, err
	}
	log.Info("job resumed", zap.Int("enqueued", n))
	if n == 0 {
		return c.RecomputeProgress(ctx, id)
	}
	return job, nil
}

// Cancel stops a job for good. Waiting and delayed tasks are removed and their
// items cancelled along with every pending item. Items already being fetched
// finish but no longer count toward the job.
func (c *Controller) Cancel(ctx context.Context, id string) (scrape.Job, int, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return scrape.Job{}, 0, err
	}
	if job.Status == scrape.JobStatusCancelled {
		return job, 0, nil
	}
	if !CanTransition(job.Status, scrape.JobStatusCancelled) {
		return scrape.Job{}, 0, fmt.Errorf("cancel job %s from %s: %w", id, job.Status, scrape.ErrInvalidTransition)
	}

	// Mark the job first so a worker that dequeues one of its tasks in the
	// meantime drops it.
	job, err = c.setStatus(ctx, id, job.Status, scrape.JobStatusCancelled)
	if err != nil {
		return scrape.Job{}, 0, err
	}
	removed, err := c.queue.CancelByJob(ctx, id)
	if err != nil {
		return job, 0, fmt.Errorf("remove queued tasks: %w", err)
	}
	itemIDs := make([]int64, 0, len(removed))
	for _, task := range removed {
		itemIDs = append(itemIDs, task.ItemID)
	}
	cancelled, err := c.store.CancelItems(ctx, id, itemIDs)
	if err != nil {
		return job, len(removed), fmt.Errorf("cancel items: %w", err)
	}
	c.logger.Info("job cancelled",
		zap.String("job_id", id),
		zap.Int("removed_tasks", len(removed)),
		zap.Int64("cancelled_items", cancelled),
	)
	return job, len(removed), nil
}

// RecomputeProgress refreshes the job's progress and completes it once every
// item is accounted for.
func (c *Controller) RecomputeProgress(ctx context.Context, id string) (scrape.Job, error) {
	before, err := c.store.GetJob(ctx, id)
	if err != nil {
		return scrape.Job{}, err
	}
	job, err := c.store.RecomputeProgress(ctx, id)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("recompute progress: %w", err)
	}
	if job.Status == scrape.JobStatusCompleted && before.Status != scrape.JobStatusCompleted {
		metrics.ObserveJobTransition(string(scrape.JobStatusCompleted))
		c.logger.Info("job completed",
			zap.String("job_id", id),
			zap.Int("completed_urls", job.CompletedURLs),
			zap.Int("failed_urls", job.FailedURLs),
		)
	}
	return job, nil
}

// drain enqueues items the store already shows as processing, then claims and
// enqueues pending items until none are left.
func (c *Controller) drain(ctx context.Context, job scrape.Job) (int, error) {
	inFlight, err := c.store.ListItems(ctx, job.ID, scrape.ItemStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing items: %w", err)
	}
	n := 0
	for _, item := range inFlight {
		added, err := c.enqueue(ctx, item)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return n, fmt.Errorf("drain canceled: %w", err)
		}
		item, ok, err := c.store.ClaimNextItem(ctx, job.ID)
		if err != nil {
			return n, fmt.Errorf("claim item: %w", err)
		}
		if !ok {
			return n, nil
		}
		added, err := c.enqueue(ctx, item)
		if err != nil {
			return n, err
		}
		if added {
			n++
		}
	}
}

func (c *Controller) enqueue(ctx context.Context, item scrape.QueueItem) (bool, error) {
	added, err := c.queue.Enqueue(ctx, dispatch.Task{
		Key:        dispatch.Key(item.JobID, item.ID),
		JobID:      item.JobID,
		ItemID:     item.ID,
		ExternalID: item.ExternalID,
		TargetURL:  item.TargetURL,
		RetryCount: item.RetryCount,
		EnqueuedAt: c.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("enqueue item %d: %w", item.ID, err)
	}
	return added, nil
}

func (c *Controller) resumeQueue(ctx context.Context) error {
	paused, err := c.queue.IsPaused(ctx)
	if err != nil {
		return fmt.Errorf("check dispatch queue: %w", err)
	}
	if !paused {
		return nil
	}
	if err := c.queue.Resume(ctx); err != nil {
		return fmt.Errorf("resume dispatch queue: %w", err)
	}
	return nil
}

// setStatus moves the job from the status it was read in. A worker that
// finished the job since then wins and the move fails with ErrInvalidTransition.
func (c *Controller) setStatus(ctx context.Context, id string, from, status scrape.JobStatus) (scrape.Job, error) {
	job, err := c.store.UpdateJobStatus(ctx, id, []scrape.JobStatus{from}, status, "")
	if err != nil {
		return scrape.Job{}, fmt.Errorf("set job %s %s: %w", id, status, err)
	}
	metrics.ObserveJobTransition(string(status))
	return job, nil
}

func (c *Controller) recordJobError(ctx context.Context, log *zap.Logger, id, msg string) {
	if err := c.store.RecordJobError(ctx, id, msg); err != nil {
		log.Error("record job error failed", zap.Error(err))
	}
}
