// Package api implements the HTTP layer for the learner nudge service.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nyashahama/learner-nudge-backend/internal/ai"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// AllowedOrigin is the dashboard origin allowed by CORS in production.
	// e.g. "https://coach.example.com"
	AllowedOrigin string

	// RequestTimeout bounds every non-streaming request, including a blocking
	// nudge. It must exceed the AI client's worst case. Default: 60s.
	RequestTimeout time.Duration
}

// LearnerLoader loads a learner row and its snapshot. *store.Store satisfies it.
type LearnerLoader interface {
	LoadLearner(ctx context.Context, id int64) (learner.Snapshot, db.Learner, error)
}

// Nudger runs the nudge pipeline. *nudge.Orchestrator satisfies it.
type Nudger interface {
	Generate(ctx context.Context, l learner.Snapshot) (nudge.Response, error)
	Stream(ctx context.Context, l learner.Snapshot) (<-chan nudge.Event, error)
}

// CircuitReporter exposes the AI breaker. *ai.Breaker satisfies it.
type CircuitReporter interface {
	State() ai.CircuitState
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	// q handles all single-query reads. Injected directly, no repo wrapper.
	q db.Querier

	learners LearnerLoader
	nudger   Nudger

	// worker enqueues batch nudge jobs.
	worker worker.Enqueuer

	circuit CircuitReporter

	// metrics serves /metrics; nil disables the route.
	metrics http.Handler

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(
	q db.Querier,
	learners LearnerLoader,
	nudger Nudger,
	enqueuer worker.Enqueuer,
	circuit CircuitReporter,
	metricsHandler http.Handler,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		q:        q,
		learners: learners,
		nudger:   nudger,
		worker:   enqueuer,
		circuit:  circuit,
		metrics:  metricsHandler,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Nudge creation picks blocking or streaming per request, so the
		// request timeout is applied inside the handler for the blocking path
		// only. A stream lives as long as the client keeps reading.
		r.Post("/learners/{learnerID}/nudges", s.handleCreateNudge)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/learners/{learnerID}/nudges", s.handleListNudges)
			r.Post("/nudges/batch", s.handleBatchNudges)
			r.Get("/ai/status", s.handleAIStatus)
		})
	})

	return r
}
