// Package worker drains the dispatch queue with a bounded set of executors,
// applying the per-job concurrency gate, the global rate limiter, and the
// retry policy to every task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultSize           = 3
	defaultPauseRecheck   = 2 * time.Second
	defaultMaxQueueErrors = 5
	queueErrorBackoff     = 500 * time.Millisecond
	settleTimeout         = 10 * time.Second
)

// Store is what the pool needs from the job and item store.
type Store interface {
	GetJob(ctx context.Context, id string) (scrape.Job, error)
	ScheduleRetry(ctx context.Context, itemID int64, msg string) (int, error)
	MarkItemFailed(ctx context.Context, itemID int64, msg string) (bool, error)
	CancelItems(ctx context.Context, jobID string, itemIDs []int64) (int64, error)
	RecomputeProgress(ctx context.Context, id string) (scrape.Job, error)
	RecordJobError(ctx context.Context, id string, msg string) error
}

// Processor runs one task and reports its outcome.
type Processor interface {
	Process(ctx context.Context, task dispatch.Task) scrape.Outcome
}

// Limiter blocks until the caller may call the scraper service.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config controls the pool.
type Config struct {
	// Size is the number of executors.
	Size int
	// PauseRecheck is how long a task of a paused job waits before it is looked at again.
	PauseRecheck time.Duration
	// MaxQueueErrors is how many consecutive dispatch queue failures Run tolerates.
	MaxQueueErrors int
}

// Pool fans dispatch queue work out to executors.
type Pool struct {
	queue     dispatch.Queue
	store     Store
	processor Processor
	limiter   Limiter
	policy    retry.Policy
	cfg       Config
	logger    *zap.Logger

	gatesMu sync.Mutex
	gates   map[string]*gate

	queueErrors atomic.Int64
}

// New constructs a Pool.
func New(
	queue dispatch.Queue,
	store Store,
	processor Processor,
	limiter Limiter,
	policy retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.PauseRecheck <= 0 {
		cfg.PauseRecheck = defaultPauseRecheck
	}
	if cfg.MaxQueueErrors <= 0 {
		cfg.MaxQueueErrors = defaultMaxQueueErrors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     queue,
		store:     store,
		processor: processor,
		limiter:   limiter,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		gates:     make(map[string]*gate),
	}
}

// Run starts the executors and blocks until ctx ends, the queue closes, or the
// dispatch queue keeps failing.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", zap.Int("executors", p.cfg.Size))
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Size {
		g.Go(func() error {
			return p.runExecutor(gctx, i)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", zap.Error(err))
	return err
}

func (p *Pool) runExecutor(ctx context.Context, id int) error {
	log := p.logger.With(zap.Int("executor", id))
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, dispatch.ErrClosed) {
				return nil
			}
			if fatal := p.queueFailure(ctx, log, err); fatal != nil {
				return fatal
			}
			continue
		}
		p.queueErrors.Store(0)

		if err := p.handle(ctx, task); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := p.queueFailure(ctx, log.With(
				zap.String("job_id", task.JobID),
				zap.Int64("item_id", task.ItemID),
				zap.Int("attempt", task.RetryCount),
			), err); fatal != nil {
				return fatal
			}
		}
	}
}

// queueFailure counts a dispatch queue error and reports a fatal error once
// the consecutive limit is passed.
func (p *Pool) queueFailure(ctx context.Context, log *zap.Logger, err error) error {
	n := p.queueErrors.Add(1)
	log.Error("dispatch queue error", zap.Error(err), zap.Int64("consecutive", n))
	if n > int64(p.cfg.MaxQueueErrors) {
		return fmt.Errorf("dispatch queue unavailable after %d consecutive errors: %w", n, err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(queueErrorBackoff):
	}
	return nil
}

// gate bounds the in-flight tasks of one job. refs counts executors holding
// or waiting on sem; the gate is forgotten only when it drops to zero.
type gate struct {
	sem  *semaphore.Weighted
	refs int
}

// enterGate returns the job's gate, creating it on first use.
func (p *Pool) enterGate(jobID string, concurrency int) *gate {
	if concurrency <= 0 {
		concurrency = p.cfg.Size
	}
	p.gatesMu.Lock()
	defer p.gatesMu.Unlock()
	g, ok := p.gates[jobID]
	if !ok {
		g = &gate{sem: semaphore.NewWeighted(int64(concurrency))}
		p.gates[jobID] = g
	}
	g.refs++
	return g
}

func (p *Pool) leaveGate(jobID string, g *gate) {
	p.gatesMu.Lock()
	defer p.gatesMu.Unlock()
	g.refs--
	if g.refs == 0 && p.gates[jobID] == g {
		delete(p.gates, jobID)
	}
}

func (p *Pool) gateCount() int {
	p.gatesMu.Lock()
	defer p.gatesMu.Unlock()
	return len(p.gates)
}
