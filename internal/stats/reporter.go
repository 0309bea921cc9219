// Package stats reports read-only progress figures for jobs and the dispatch
// queue.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// JobReader loads jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (scrape.Job, error)
}

// QueueReader reports dispatch queue depth.
type QueueReader interface {
	Stats(ctx context.Context) (dispatch.Stats, error)
}

// JobStats is a job's counters plus derived throughput figures. Rate and
// estimate fields are nil until the job has started and made progress.
type JobStats struct {
	ID                    string           `json:"id"`
	FileName              string           `json:"file_name"`
	Status                scrape.JobStatus `json:"status"`
	TotalURLs             int              `json:"total_urls"`
	CompletedURLs         int              `json:"completed_urls"`
	FailedURLs            int              `json:"failed_urls"`
	Remaining             int              `json:"remaining"`
	ProgressPercent       int              `json:"progress_percent"`
	ErrorCount            int              `json:"error_count"`
	CreatedAt             time.Time        `json:"created_at"`
	StartedAt             *time.Time       `json:"started_at"`
	CompletedAt           *time.Time       `json:"completed_at"`
	DurationSeconds       *float64         `json:"duration_seconds"`
	URLsPerSecond         *float64         `json:"urls_per_second"`
	ETASeconds            *float64         `json:"estimated_seconds_remaining"`
	EstimatedCompletionAt *time.Time       `json:"estimated_completion_at"`
	Queue                 dispatch.Stats   `json:"queue"`
}

// Reporter builds statistics snapshots.
type Reporter struct {
	jobs  JobReader
	queue QueueReader
	clock scrape.Clock
}

// New constructs a Reporter.
func New(jobs JobReader, queue QueueReader, clock scrape.Clock) *Reporter {
	return &Reporter{jobs: jobs, queue: queue, clock: clock}
}

// JobStats returns the statistics of one job together with the current queue
// depth.
func (r *Reporter) JobStats(ctx context.Context, id string) (JobStats, error) {
	job, err := r.jobs.GetJob(ctx, id)
	if err != nil {
		return JobStats{}, err
	}
	queue, err := r.QueueStats(ctx)
	if err != nil {
		return JobStats{}, err
	}
	out := Derive(job, r.clock.Now())
	out.Queue = queue
	return out, nil
}

// QueueStats returns dispatch queue depth and refreshes the queue depth gauge.
func (r *Reporter) QueueStats(ctx context.Context) (dispatch.Stats, error) {
	s, err := r.queue.Stats(ctx)
	if err != nil {
		return dispatch.Stats{}, fmt.Errorf("read queue stats: %w", err)
	}
	metrics.SetQueueDepth(metrics.QueueDepth{
		Waiting:   s.Waiting,
		Active:    s.Active,
		Completed: s.Completed,
		Failed:    s.Failed,
		Delayed:   s.Delayed,
		Paused:    s.Paused,
	})
	return s.WithTotal(), nil
}

// Derive computes the throughput figures of job as seen at now. A finished
// job is measured up to its completion time.
func Derive(job scrape.Job, now time.Time) JobStats {
	out := JobStats{
		ID:              job.ID,
		FileName:        job.FileName,
		Status:          job.Status,
		TotalURLs:       job.TotalURLs,
		CompletedURLs:   job.CompletedURLs,
		FailedURLs:      job.FailedURLs,
		Remaining:       job.Remaining(),
		ProgressPercent: job.ProgressPercent,
		ErrorCount:      job.ErrorCount,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.StartedAt == nil {
		return out
	}

	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	elapsed := end.Sub(*job.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	out.DurationSeconds = &elapsed

	done := job.Accounted()
	if elapsed == 0 || done == 0 {
		return out
	}
	rate := float64(done) / elapsed
	out.URLsPerSecond = &rate

	if job.Status.Terminal() {
		return out
	}
	eta := math.Round(float64(out.Remaining) / rate)
	finish := now.Add(time.Duration(eta) * time.Second)
	out.ETASeconds = &eta
	out.EstimatedCompletionAt = &finish
	return out
}
