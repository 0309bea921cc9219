// Package postgres provides the Postgres-backed scrape.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store persists jobs and queue items in the scrape_jobs and scrape_queue tables.
type Store struct {
	pool pool
}

// New connects a pgx pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const jobColumns = `id::text, COALESCE(file_name, ''), status, total_urls, completed_urls, failed_urls,
	progress_percent, concurrency, retry_limit, COALESCE(error_message, ''), error_count,
	created_at, updated_at, started_at, completed_at`

const itemColumns = `id, job_id::text, pitchbook_id, source_url, target_url, status, retry_count,
	COALESCE(error_message, ''), text_length, COALESCE(final_url, ''), created_at, started_at, completed_at`

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job    scrape.Job
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.FileName,
		&status,
		&job.TotalURLs,
		&job.CompletedURLs,
		&job.FailedURLs,
		&job.ProgressPercent,
		&job.Concurrency,
		&job.RetryLimit,
		&job.ErrorMessage,
		&job.ErrorCount,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return scrape.Job{}, err //nolint:wrapcheck // wrapped by callers with context
	}
	job.Status = scrape.JobStatus(status)
	return job, nil
}

func scanItem(row pgx.Row) (scrape.QueueItem, error) {
	var (
		item   scrape.QueueItem
		status string
	)
	err := row.Scan(
		&item.ID,
		&item.JobID,
		&item.ExternalID,
		&item.SourceURL,
		&item.TargetURL,
		&status,
		&item.RetryCount,
		&item.ErrorMessage,
		&item.TextLength,
		&item.FinalURL,
		&item.CreatedAt,
		&item.StartedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return scrape.QueueItem{}, err //nolint:wrapcheck // wrapped by callers with context
	}
	item.Status = scrape.ItemStatus(status)
	return item, nil
}

// CreateJob inserts the job and all of its items in one transaction.
func (s *Store) CreateJob(ctx context.Context, in scrape.NewJob) (scrape.Job, error) {
	if in.ID == "" {
		return scrape.Job{}, fmt.Errorf("%w: job id is required", scrape.ErrInvalidJob)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	job, err := scanJob(tx.QueryRow(ctx, `
INSERT INTO scrape_jobs (id, file_name, status, total_urls, concurrency, retry_limit)
VALUES ($1, $2, 'pending', $3, $4, $5)
RETURNING `+jobColumns,
		in.ID, in.FileName, len(in.Items), in.Concurrency, in.RetryLimit,
	))
	if err != nil {
		return scrape.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if len(in.Items) > 0 {
		external := make([]string, len(in.Items))
		sources := make([]string, len(in.Items))
		targets := make([]string, len(in.Items))
		for i, it := range in.Items {
			external[i] = it.ExternalID
			sources[i] = it.SourceURL
			targets[i] = it.TargetURL
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO scrape_queue (job_id, pitchbook_id, source_url, target_url, status)
SELECT $1::uuid, e, s, t, 'pending'
FROM unnest($2::text[], $3::text[], $4::text[]) WITH ORDINALITY AS u(e, s, t, n)
ORDER BY n`,
			in.ID, external, sources, targets,
		); err != nil {
			return scrape.Job{}, fmt.Errorf("insert queue items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return scrape.Job{}, fmt.Errorf("commit create job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scrape_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJobStatus sets the job status if it is still one of from, stamping
// started_at on the first move to processing and completed_at on terminal
// statuses.
func (s *Store) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	from []scrape.JobStatus,
	status scrape.JobStatus,
	errMsg string,
) (scrape.Job, error) {
	expected := make([]string, 0, len(from))
	for _, st := range from {
		expected = append(expected, string(st))
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE scrape_jobs SET
	status = $2::text,
	error_message = COALESCE(NULLIF($3::text, ''), error_message),
	started_at = CASE WHEN $2::text = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
	completed_at = CASE WHEN $2::text IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
	updated_at = NOW()
WHERE id = $1 AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
RETURNING `+jobColumns,
		jobID, string(status), errMsg, expected,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("update job status: %w", err)
	}
	// No row: either the job is gone or it left the expected statuses.
	current, gerr := s.GetJob(ctx, jobID)
	if gerr != nil {
		return scrape.Job{}, gerr
	}
	return scrape.Job{}, fmt.Errorf("job %s is %s: %w", jobID, current.Status, scrape.ErrInvalidTransition)
}

// RecomputeProgress refreshes progress_percent and completes a processing job
// once every item is accounted for.
func (s *Store) RecomputeProgress(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
UPDATE scrape_jobs SET
	progress_percent = ROUND(100.0 * (completed_urls + failed_urls) / GREATEST(total_urls, 1)),
	status = CASE WHEN status = 'processing' AND completed_urls + failed_urls >= total_urls
		THEN 'completed' ELSE status END,
	completed_at = CASE WHEN status = 'processing' AND completed_urls + failed_urls >= total_urls
		THEN NOW() ELSE completed_at END,
	updated_at = NOW()
WHERE id = $1
RETURNING `+jobColumns,
		jobID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
		}
		return scrape.Job{}, fmt.Errorf("recompute progress: %w", err)
	}
	return job, nil
}

// RecordJobError bumps the job's error counter and keeps the latest message.
func (s *Store) RecordJobError(ctx context.Context, jobID string, msg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_jobs SET error_count = error_count + 1, error_message = $2, updated_at = NOW()
WHERE id = $1`, jobID, msg)
	if err != nil {
		return fmt.Errorf("record job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	return nil
}

// ClaimNextItem moves the oldest pending item of the job to processing.
// Concurrent claimers skip rows locked by each other.
func (s *Store) ClaimNextItem(ctx context.Context, jobID string) (scrape.QueueItem, bool, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `
UPDATE scrape_queue SET status = 'processing', started_at = NOW()
WHERE id = (
	SELECT id FROM scrape_queue
	WHERE job_id = $1 AND status = 'pending'
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns,
		jobID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.QueueItem{}, false, nil
		}
		return scrape.QueueItem{}, false, fmt.Errorf("claim next item: %w", err)
	}
	return item, true, nil
}

// ListItems returns the job's items in the given status, ordered by id.
func (s *Store) ListItems(ctx context.Context, jobID string, status scrape.ItemStatus) ([]scrape.QueueItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM scrape_queue WHERE job_id = $1 AND status = $2 ORDER BY id`,
		jobID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var items []scrape.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// MarkItemCompleted stores the fetched content and, only when the item moved
// out of processing, bumps the job counters in the same statement.
func (s *Store) MarkItemCompleted(ctx context.Context, result scrape.ItemResult) (bool, error) {
	var moved int64
	err := s.pool.QueryRow(ctx, `
WITH moved AS (
	UPDATE scrape_queue SET status = 'completed', scraped_text = $2, text_length = $3,
		final_url = $4, error_message = NULL, completed_at = NOW()
	WHERE id = $1 AND status = 'processing'
	RETURNING job_id
), counted AS (
	UPDATE scrape_jobs j SET completed_urls = j.completed_urls + 1,
		progress_percent = ROUND(100.0 * (j.completed_urls + 1 + j.failed_urls) / GREATEST(j.total_urls, 1)),
		updated_at = NOW()
	FROM moved
	WHERE j.id = moved.job_id AND j.status <> 'cancelled'
)
SELECT COUNT(*) FROM moved`,
		result.ItemID, result.Text, result.Length, result.FinalURL,
	).Scan(&moved)
	if err != nil {
		return false, fmt.Errorf("mark item completed: %w", err)
	}
	return moved > 0, nil
}

// RecordItemError keeps the latest attempt error on the item.
func (s *Store) RecordItemError(ctx context.Context, itemID int64, msg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scrape_queue SET error_message = $2 WHERE id = $1`, itemID, msg)
	if err != nil {
		return fmt.Errorf("record item error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %d: %w", itemID, scrape.ErrNotFound)
	}
	return nil
}

// ScheduleRetry increments retry_count of a processing item.
func (s *Store) ScheduleRetry(ctx context.Context, itemID int64, msg string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
UPDATE scrape_queue SET retry_count = retry_count + 1, error_message = $2
WHERE id = $1 AND status = 'processing'
RETURNING retry_count`, itemID, msg).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("item %d not processing: %w", itemID, scrape.ErrInvalidTransition)
		}
		return 0, fmt.Errorf("schedule retry: %w", err)
	}
	return count, nil
}

// MarkItemFailed moves a processing item to failed and counts it once.
func (s *Store) MarkItemFailed(ctx context.Context, itemID int64, msg string) (bool, error) {
	var moved int64
	err := s.pool.QueryRow(ctx, `
WITH moved AS (
	UPDATE scrape_queue SET status = 'failed', error_message = $2, completed_at = NOW()
	WHERE id = $1 AND status = 'processing'
	RETURNING job_id
), counted AS (
	UPDATE scrape_jobs j SET failed_urls = j.failed_urls + 1,
		progress_percent = ROUND(100.0 * (j.completed_urls + j.failed_urls + 1) / GREATEST(j.total_urls, 1)),
		updated_at = NOW()
	FROM moved
	WHERE j.id = moved.job_id AND j.status <> 'cancelled'
)
SELECT COUNT(*) FROM moved`,
		itemID, msg,
	).Scan(&moved)
	if err != nil {
		return false, fmt.Errorf("mark item failed: %w", err)
	}
	return moved > 0, nil
}

// CancelItems cancels every pending item of the job plus the listed
// processing items.
func (s *Store) CancelItems(ctx context.Context, jobID string, itemIDs []int64) (int64, error) {
	if itemIDs == nil {
		itemIDs = []int64{}
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scrape_queue SET status = 'cancelled', completed_at = NOW()
WHERE job_id = $1 AND (status = 'pending' OR (status = 'processing' AND id = ANY($2)))`,
		jobID, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("cancel items: %w", err)
	}
	return tag.RowsAffected(), nil
}
