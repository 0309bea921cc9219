package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// handle runs one task to a queue transition. Only dispatch queue failures
// are returned; store failures are logged and recorded on the job.
func (p *Pool) handle(ctx context.Context, task dispatch.Task) error {
	log := p.logger.With(
		zap.String("job_id", task.JobID),
		zap.Int64("item_id", task.ItemID),
		zap.Int("attempt", task.RetryCount),
	)

	job, ok, err := p.screen(ctx, log, task)
	if !ok {
		return err
	}

	g := p.enterGate(job.ID, job.Concurrency)
	defer p.leaveGate(job.ID, g)
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return p.requeue(ctx, task)
	}
	defer g.sem.Release(1)

	if err := p.limiter.Wait(ctx); err != nil {
		return p.requeue(ctx, task)
	}

	// The gate and the limiter can hold a task for a while; look again before fetching.
	if job, ok, err = p.screen(ctx, log, task); !ok {
		return err
	}

	metrics.IncActiveWorkers()
	outcome := p.processor.Process(ctx, task)
	metrics.DecActiveWorkers()
	metrics.ObserveItem(outcome.Kind.String())

	decision := p.policy.Decide(outcome, task.RetryCount, job.RetryLimit)
	log = log.With(zap.Stringer("outcome", outcome.Kind), zap.Stringer("action", decision.Action))

	// The attempt happened; record it even if shutdown has begun.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch decision.Action {
	case retry.ActionComplete:
		if err := p.transition(p.queue.Ack(sctx, task.Key)); err != nil {
			return err
		}
		p.recompute(sctx, log, job)
		return nil

	case retry.ActionRetry:
		count, err := p.store.ScheduleRetry(sctx, task.ItemID, outcome.Reason)
		switch {
		case errors.Is(err, scrape.ErrInvalidTransition):
			log.Info("item left processing; not retrying")
			return p.transition(p.queue.Discard(sctx, task.Key))
		case err != nil:
			log.Error("schedule retry failed", zap.Error(err))
			p.recordJobError(sctx, log, job.ID, fmt.Sprintf("schedule retry for item %d: %v", task.ItemID, err))
		default:
			log.Info("retry scheduled", zap.Int("retry_count", count), zap.Duration("delay", decision.Delay))
		}
		return p.transition(p.queue.Retry(sctx, task.Key, decision.Delay))

	case retry.ActionFail:
		moved, err := p.store.MarkItemFailed(sctx, task.ItemID, outcome.Reason)
		if err != nil {
			log.Error("mark item failed failed", zap.Error(err))
			p.recordJobError(sctx, log, job.ID, fmt.Sprintf("mark item %d failed: %v", task.ItemID, err))
		} else if moved {
			log.Warn("item failed permanently", zap.String("reason", outcome.Reason))
		}
		if err := p.transition(p.queue.Fail(sctx, task.Key)); err != nil {
			return err
		}
		p.recompute(sctx, log, job)
		return nil

	default:
		if ctx.Err() != nil {
			return p.requeue(ctx, task)
		}
		log.Debug("task skipped", zap.String("reason", outcome.Reason))
		return p.transition(p.queue.Discard(sctx, task.Key))
	}
}

// screen loads the task's job and settles the task when the job is unknown,
// paused or finished. It reports whether the task should go on to be fetched.
func (p *Pool) screen(ctx context.Context, log *zap.Logger, task dispatch.Task) (scrape.Job, bool, error) {
	job, err := p.store.GetJob(ctx, task.JobID)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		log.Warn("dropping task for unknown job")
		return job, false, p.transition(p.queue.Discard(ctx, task.Key))
	case err != nil:
		if ctx.Err() != nil {
			return job, false, p.requeue(ctx, task)
		}
		log.Error("load job failed", zap.Error(err))
		return job, false, p.transition(p.queue.Defer(ctx, task.Key, p.cfg.PauseRecheck))
	case job.Status == scrape.JobStatusPaused:
		log.Debug("job paused; deferring task")
		return job, false, p.transition(p.queue.Defer(ctx, task.Key, p.cfg.PauseRecheck))
	case job.Status.Terminal():
		log.Info("job no longer running; dropping task", zap.String("status", string(job.Status)))
		if _, err := p.store.CancelItems(ctx, job.ID, []int64{task.ItemID}); err != nil {
			log.Error("cancel item failed", zap.Error(err))
		}
		return job, false, p.transition(p.queue.Discard(ctx, task.Key))
	}
	return job, true, nil
}

// requeue puts an interrupted task back without counting an attempt.
func (p *Pool) requeue(ctx context.Context, task dispatch.Task) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	return p.transition(p.queue.Defer(sctx, task.Key, 0))
}

// transition filters out errors that mean the task already left the active set.
func (p *Pool) transition(err error) error {
	if err == nil || errors.Is(err, dispatch.ErrUnknownTask) {
		return nil
	}
	return err
}

func (p *Pool) recompute(ctx context.Context, log *zap.Logger, before scrape.Job) {
	job, err := p.store.RecomputeProgress(ctx, before.ID)
	if err != nil {
		log.Error("recompute progress failed", zap.Error(err))
		p.recordJobError(ctx, log, before.ID, fmt.Sprintf("recompute progress: %v", err))
		return
	}
	if job.Status == scrape.JobStatusCompleted && before.Status != scrape.JobStatusCompleted {
		metrics.ObserveJobTransition(string(scrape.JobStatusCompleted))
		log.Info("job completed",
			zap.Int("completed_urls", job.CompletedURLs),
			zap.Int("failed_urls", job.FailedURLs),
		)
	}
}

func (p *Pool) recordJobError(ctx context.Context, log *zap.Logger, jobID, msg string) {
	if err := p.store.RecordJobError(ctx, jobID, msg); err != nil {
		log.Error("record job error failed", zap.Error(err))
	}
}
