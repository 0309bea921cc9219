package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/dispatch"
	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/scrape-orchestrator/internal/stats"
)

const (
	defaultRequestTimeout = 60 * time.Second
	healthTimeout         = 3 * time.Second
	maxBodyBytes          = 10 << 20
)

// Jobs is the lifecycle API the handlers drive.
type Jobs interface {
	Register(ctx context.Context, req jobs.RegisterRequest) (scrape.Job, error)
	Start(ctx context.Context, id string) (int, error)
	Pause(ctx context.Context, id string) (scrape.Job, error)
	Resume(ctx context.Context, id string) (scrape.Job, error)
	Cancel(ctx context.Context, id string) (scrape.Job, int, error)
	Get(ctx context.Context, id string) (scrape.Job, error)
	List(ctx context.Context, limit int) ([]scrape.Job, error)
}

// Stats reports job and queue statistics.
type Stats interface {
	JobStats(ctx context.Context, id string) (stats.JobStats, error)
	QueueStats(ctx context.Context) (dispatch.Stats, error)
}

// Pinger checks that a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators of the Server.
type Deps struct {
	Jobs   Jobs
	Stats  Stats
	Store  Pinger
	Broker Pinger
	Clock  scrape.Clock
}

// Server wires HTTP handlers to the job controller and stats reporter.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, serverCfg config.ServerConfig, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	timeout := serverCfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	r.Use(metrics.Middleware)

	mount := func(r chi.Router) {
		r.Get("/health", s.health)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Group(func(r chi.Router) {
			if auth.Enabled {
				r.Use(apiKeyMiddleware(auth.APIKey))
			}
			s.jobRoutes(r)
		})
	}
	mount(r)
	r.Route("/api", mount)

	s.router = r
	return s
}

func (s *Server) jobRoutes(r chi.Router) {
	r.Get("/queue/stats", s.queueStats)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.registerJob)
		r.Post("/start", s.startJobFromBody)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/stats", s.jobStats)
			r.Post("/start", s.startJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Post("/cancel", s.cancelJob)
		})
	})
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Broker    string    `json:"broker"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	storeOK := s.ping(ctx, "store", s.deps.Store)
	brokerOK := s.ping(ctx, "broker", s.deps.Broker)
	resp := healthResponse{
		Status:    "healthy",
		Store:     connState(storeOK),
		Broker:    connState(brokerOK),
		Timestamp: s.deps.Clock.Now(),
	}
	status := http.StatusOK
	if !storeOK || !brokerOK {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) ping(ctx context.Context, name string, p Pinger) bool {
	if p == nil {
		return false
	}
	if err := p.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
		return false
	}
	return true
}

func connState(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}
