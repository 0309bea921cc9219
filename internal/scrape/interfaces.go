package scrape

import (
	"context"
	"time"
)

// JobStore persists jobs and their aggregate counters.
type JobStore interface {
	CreateJob(ctx context.Context, job NewJob) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	// UpdateJobStatus moves the job to status only while its current status is
	// one of from (any status when from is empty). A job in another status is
	// left alone and ErrInvalidTransition is returned.
	UpdateJobStatus(ctx context.Context, jobID string, from []JobStatus, status JobStatus, errMsg string) (Job, error)
	RecomputeProgress(ctx context.Context, jobID string) (Job, error)
	RecordJobError(ctx context.Context, jobID string, msg string) error
}

// ItemStore persists queue items. Writes that move an item into a terminal
// state are conditional on the item still being processing and report whether
// the row actually transitioned.
type ItemStore interface {
	ClaimNextItem(ctx context.Context, jobID string) (QueueItem, bool, error)
	ListItems(ctx context.Context, jobID string, status ItemStatus) ([]QueueItem, error)
	MarkItemCompleted(ctx context.Context, result ItemResult) (bool, error)
	RecordItemError(ctx context.Context, itemID int64, msg string) error
	ScheduleRetry(ctx context.Context, itemID int64, msg string) (int, error)
	MarkItemFailed(ctx context.Context, itemID int64, msg string) (bool, error)
	CancelItems(ctx context.Context, jobID string, itemIDs []int64) (int64, error)
}

// Store is the persistent source of truth for jobs and items.
type Store interface {
	JobStore
	ItemStore
	Ping(ctx context.Context) error
	Close()
}

// Fetcher retrieves the content of a target URL through the external service.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
