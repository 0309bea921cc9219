// Package memory provides an in-memory scrape.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	clockpkg "github.com/JakeFAU/scrape-orchestrator/internal/clock"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Store keeps jobs and items in maps guarded by a single mutex.
type Store struct {
	mu     sync.RWMutex
	clock  scrape.Clock
	jobs   map[string]scrape.Job
	items  map[int64]scrape.QueueItem
	byJob  map[string][]int64
	nextID int64
}

// NewStore constructs a Store. A nil clock uses the system clock.
func NewStore(clock scrape.Clock) *Store {
	if clock == nil {
		clock = clockpkg.System{}
	}
	return &Store{
		clock: clock,
		jobs:  make(map[string]scrape.Job),
		items: make(map[int64]scrape.QueueItem),
		byJob: make(map[string][]int64),
	}
}

// CreateJob stores a new pending job together with its items.
func (s *Store) CreateJob(_ context.Context, in scrape.NewJob) (scrape.Job, error) {
	if in.ID == "" {
		return scrape.Job{}, fmt.Errorf("%w: job id is required", scrape.ErrInvalidJob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[in.ID]; exists {
		return scrape.Job{}, fmt.Errorf("%w: job %s already exists", scrape.ErrInvalidJob, in.ID)
	}
	now := in.CreatedAt
	if now.IsZero() {
		now = s.clock.Now()
	}
	job := scrape.Job{
		ID:          in.ID,
		FileName:    in.FileName,
		Status:      scrape.JobStatusPending,
		TotalURLs:   len(in.Items),
		Concurrency: in.Concurrency,
		RetryLimit:  in.RetryLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ids := make([]int64, 0, len(in.Items))
	for _, it := range in.Items {
		s.nextID++
		s.items[s.nextID] = scrape.QueueItem{
			ID:         s.nextID,
			JobID:      in.ID,
			ExternalID: it.ExternalID,
			SourceURL:  it.SourceURL,
			TargetURL:  it.TargetURL,
			Status:     scrape.ItemStatusPending,
			CreatedAt:  now,
		}
		ids = append(ids, s.nextID)
	}
	s.jobs[in.ID] = job
	s.byJob[in.ID] = ids
	return job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(_ context.Context, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateJobStatus sets the job status if it is still one of from, stamping
// started_at on the first move to processing and completed_at on terminal
// statuses.
func (s *Store) UpdateJobStatus(
	_ context.Context,
	jobID string,
	from []scrape.JobStatus,
	status scrape.JobStatus,
	errMsg string,
) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	if len(from) > 0 && !slices.Contains(from, job.Status) {
		return scrape.Job{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, scrape.ErrInvalidTransition)
	}
	now := s.clock.Now()
	job.Status = status
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if status == scrape.JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = pointerTime(now)
	}
	if status.Terminal() {
		job.CompletedAt = pointerTime(now)
	}
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return job, nil
}

// RecomputeProgress refreshes progress_percent and completes a processing job
// once every item is accounted for.
func (s *Store) RecomputeProgress(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	now := s.clock.Now()
	job.ProgressPercent = scrape.ProgressPercent(job.CompletedURLs, job.FailedURLs, job.TotalURLs)
	if job.Status == scrape.JobStatusProcessing && job.Accounted() >= job.TotalURLs {
		job.Status = scrape.JobStatusCompleted
		job.CompletedAt = pointerTime(now)
	}
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return job, nil
}

// RecordJobError bumps the job's error counter and keeps the latest message.
func (s *Store) RecordJobError(_ context.Context, jobID string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	job.ErrorCount++
	job.ErrorMessage = msg
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// ClaimNextItem moves the oldest pending item of the job to processing.
func (s *Store) ClaimNextItem(_ context.Context, jobID string) (scrape.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byJob[jobID] {
		item := s.items[id]
		if item.Status != scrape.ItemStatusPending {
			continue
		}
		item.Status = scrape.ItemStatusProcessing
		item.StartedAt = pointerTime(s.clock.Now())
		s.items[id] = item
		return item, true, nil
	}
	return scrape.QueueItem{}, false, nil
}

// ListItems returns the job's items in the given status, ordered by id.
func (s *Store) ListItems(_ context.Context, jobID string, status scrape.ItemStatus) ([]scrape.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scrape.QueueItem
	for _, id := range s.byJob[jobID] {
		if item := s.items[id]; item.Status == status {
			out = append(out, item)
		}
	}
	return out, nil
}

// GetItem returns a single item by id.
func (s *Store) GetItem(_ context.Context, itemID int64) (scrape.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return scrape.QueueItem{}, fmt.Errorf("item %d: %w", itemID, scrape.ErrNotFound)
	}
	return item, nil
}

// MarkItemCompleted stores the fetched content and counts the item once.
func (s *Store) MarkItemCompleted(_ context.Context, result scrape.ItemResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[result.ItemID]
	if !ok {
		return false, fmt.Errorf("item %d: %w", result.ItemID, scrape.ErrNotFound)
	}
	if item.Status != scrape.ItemStatusProcessing {
		return false, nil
	}
	now := s.clock.Now()
	item.Status = scrape.ItemStatusCompleted
	item.ScrapedText = result.Text
	item.TextLength = result.Length
	item.FinalURL = result.FinalURL
	item.ErrorMessage = ""
	item.CompletedAt = pointerTime(now)
	s.items[item.ID] = item
	s.countLocked(item.JobID, true, now)
	return true, nil
}

// RecordItemError keeps the latest attempt error on the item.
func (s *Store) RecordItemError(_ context.Context, itemID int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return fmt.Errorf("item %d: %w", itemID, scrape.ErrNotFound)
	}
	item.ErrorMessage = msg
	s.items[itemID] = item
	return nil
}

// ScheduleRetry increments retry_count of a processing item.
func (s *Store) ScheduleRetry(_ context.Context, itemID int64, msg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return 0, fmt.Errorf("item %d: %w", itemID, scrape.ErrNotFound)
	}
	if item.Status != scrape.ItemStatusProcessing {
		return item.RetryCount, fmt.Errorf("item %d is %s: %w", itemID, item.Status, scrape.ErrInvalidTransition)
	}
	item.RetryCount++
	item.ErrorMessage = msg
	s.items[itemID] = item
	return item.RetryCount, nil
}

// MarkItemFailed moves a processing item to failed and counts it once.
func (s *Store) MarkItemFailed(_ context.Context, itemID int64, msg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return false, fmt.Errorf("item %d: %w", itemID, scrape.ErrNotFound)
	}
	if item.Status != scrape.ItemStatusProcessing {
		return false, nil
	}
	now := s.clock.Now()
	item.Status = scrape.ItemStatusFailed
	item.ErrorMessage = msg
	item.CompletedAt = pointerTime(now)
	s.items[itemID] = item
	s.countLocked(item.JobID, false, now)
	return true, nil
}

// CancelItems cancels every pending item of the job plus the listed
// processing items.
func (s *Store) CancelItems(_ context.Context, jobID string, itemIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listed := make(map[int64]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		listed[id] = struct{}{}
	}
	now := s.clock.Now()
	var n int64
	for _, id := range s.byJob[jobID] {
		item := s.items[id]
		_, isListed := listed[id]
		if item.Status == scrape.ItemStatusPending ||
			(item.Status == scrape.ItemStatusProcessing && isListed) {
			item.Status = scrape.ItemStatusCancelled
			item.CompletedAt = pointerTime(now)
			s.items[id] = item
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) countLocked(jobID string, completed bool, now time.Time) {
	job, ok := s.jobs[jobID]
	if !ok || job.Status == scrape.JobStatusCancelled {
		return
	}
	if completed {
		job.CompletedURLs++
	} else {
		job.FailedURLs++
	}
	job.ProgressPercent = scrape.ProgressPercent(job.CompletedURLs, job.FailedURLs, job.TotalURLs)
	job.UpdatedAt = now
	s.jobs[jobID] = job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
