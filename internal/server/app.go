// Package server builds the orchestrator's dependencies and runs the HTTP
// control surface and the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrape-orchestrator/internal/api"
	"github.com/JakeFAU/scrape-orchestrator/internal/clock"
	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch/memory"
	redisqueue "github.com/JakeFAU/scrape-orchestrator/internal/dispatch/redis"
	"github.com/JakeFAU/scrape-orchestrator/internal/fetcher/scraperapi"
	"github.com/JakeFAU/scrape-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/logging"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/scrape-orchestrator/internal/processor"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/scrape-orchestrator/internal/stats"
	memstore "github.com/JakeFAU/scrape-orchestrator/internal/store/memory"
	pgstore "github.com/JakeFAU/scrape-orchestrator/internal/store/postgres"
	"github.com/JakeFAU/scrape-orchestrator/internal/worker"
)

const (
	shutdownTimeout    = 10 * time.Second
	connectTimeout     = 10 * time.Second
	queueDepthInterval = 15 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// Mode selects which parts of the orchestrator Run starts.
type Mode string

// Run modes.
const (
	ModeAll    Mode = "all"
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
)

func (m Mode) runsAPI() bool    { return m == ModeAll || m == ModeAPI }
func (m Mode) runsWorker() bool { return m == ModeAll || m == ModeWorker }

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     scrape.Store
	queue     dispatch.Queue
	pool      *worker.Pool
	jobs      *jobs.Controller
	reporter  *stats.Reporter
	apiServer *api.Server
}

// Build creates the application's dependencies. Both the store and the broker
// must answer a ping before Build returns.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Database.Backend),
		zap.String("broker", cfg.Redis.Backend),
		zap.Int("port", cfg.Server.Port),
	)

	if err := app.setupStore(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.setupQueue(ctx); err != nil {
		app.Close()
		return nil, err
	}

	fetcher, err := scraperapi.New(scraperapi.Config{
		APIURL:  cfg.Scraper.APIURL,
		Timeout: cfg.Scraper.Timeout,
	}, nil, logger.Named("fetcher"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	clk := clock.System{}
	app.pool = worker.New(
		app.queue,
		app.store,
		processor.New(fetcher, app.store, logger.Named("processor")),
		ratelimit.New(ratelimit.Config{Max: cfg.RateLimit.Max, Window: cfg.RateLimit.Window}),
		retry.NewPolicy(cfg.Scraper.BackoffBase, cfg.Scraper.BackoffMax),
		worker.Config{
			Size:           cfg.Scraper.Concurrency,
			PauseRecheck:   cfg.Worker.PauseRecheck,
			MaxQueueErrors: cfg.Worker.MaxQueueErrors,
		},
		logger.Named("worker"),
	)
	app.jobs = jobs.New(app.store, app.queue, uuid.New(), clk, jobs.Defaults{
		Concurrency: cfg.Scraper.Concurrency,
		RetryLimit:  cfg.Scraper.RetryLimit,
	}, logger.Named("jobs"))
	app.reporter = stats.New(app.store, app.queue, clk)
	app.apiServer = api.NewServer(api.Deps{
		Jobs:   app.jobs,
		Stats:  app.reporter,
		Store:  app.store,
		Broker: app.queue,
		Clock:  clk,
	}, cfg.Server, cfg.Auth, logger.Named("api"))

	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory store; jobs are lost on restart")
		a.store = memstore.NewStore(clock.System{})
		return nil
	case config.BackendPostgres:
	default:
		return fmt.Errorf("unknown database backend %q", a.cfg.Database.Backend)
	}

	if a.cfg.Database.MigrateOnStart {
		if err := Migrate(a.cfg.Database.DSN, a.logger.Named("migrate")); err != nil {
			return err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	store, err := pgstore.New(cctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	a.store = store
	if err := store.Ping(cctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	a.logger.Info("connected to postgres")
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Redis.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory dispatch queue; queued tasks are lost on restart")
		a.queue = memory.NewQueue(memory.Options{
			CompletedRetention: int(a.cfg.Redis.CompletedRetention),
			FailedRetention:    int(a.cfg.Redis.FailedRetention),
		})
		return nil
	case config.BackendRedis:
	default:
		return fmt.Errorf("unknown redis backend %q", a.cfg.Redis.Backend)
	}

	q, err := redisqueue.Dial(ctx, a.cfg.Redis.URL, redisqueue.Options{
		Prefix:             a.cfg.Redis.Prefix,
		PollInterval:       a.cfg.Redis.PollInterval,
		CompletedRetention: a.cfg.Redis.CompletedRetention,
		FailedRetention:    a.cfg.Redis.FailedRetention,
		LeaseTimeout:       a.cfg.Redis.LeaseTimeout,
	})
	if err != nil {
		return fmt.Errorf("broker init failed: %w", err)
	}
	a.queue = q
	a.logger.Info("connected to redis", zap.String("prefix", a.cfg.Redis.Prefix))
	return nil
}

// Migrate applies every pending schema migration to the database at dsn.
func Migrate(dsn string, logger *zap.Logger) error {
	m, err := pgstore.NewMigrator(dsn, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("close migrator failed", zap.Error(cerr))
		}
	}()
	return m.Up()
}

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the parts selected by mode and blocks until ctx ends or one of
// them fails. The HTTP server is given a grace period to drain requests.
func (a *App) Run(ctx context.Context, mode Mode) error {
	if !mode.runsAPI() && !mode.runsWorker() {
		return fmt.Errorf("unknown run mode %q", mode)
	}
	a.logger.Info("application started", zap.String("mode", string(mode)))
	g, gctx := errgroup.WithContext(ctx)

	if mode.runsAPI() {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		srv := &http.Server{
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.logger.Info("shutdown initiated")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				return fmt.Errorf("server shutdown: %w", err)
			}
			return nil
		})
	}

	if mode.runsWorker() {
		g.Go(func() error {
			return a.pool.Run(gctx)
		})
		g.Go(func() error {
			a.reportQueueDepth(gctx)
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("application stopped", zap.Error(err))
	return err
}

// reportQueueDepth refreshes the queue depth gauge until ctx ends.
func (a *App) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		if _, err := a.reporter.QueueStats(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("queue depth refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the broker and the store and flushes the logger.
func (a *App) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("close dispatch queue failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
