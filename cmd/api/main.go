package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nyashahama/learner-nudge-backend/internal/ai"
	"github.com/nyashahama/learner-nudge-backend/internal/api"
	"github.com/nyashahama/learner-nudge-backend/internal/config"
	"github.com/nyashahama/learner-nudge-backend/internal/cooldown"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/email"
	"github.com/nyashahama/learner-nudge-backend/internal/health"
	"github.com/nyashahama/learner-nudge-backend/internal/metrics"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/store"
	"github.com/nyashahama/learner-nudge-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "ai_provider", cfg.AIProvider)

	// Root context cancelled by OS signal. Worker and servers all respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, queries, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	st := store.New(pool, queries)

	// ── Metrics + health ──────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	checker := health.New(logger)

	// ── AI ────────────────────────────────────────────────────────────────────
	// One breaker per process, shared by the blocking and streaming paths.
	breaker := ai.NewBreaker(ai.BreakerConfig{
		Threshold: cfg.BreakerThreshold,
		OpenFor:   cfg.BreakerOpenFor,
		OnStateChange: func(open bool) {
			m.SetCircuitOpen(open)
			checker.SetCircuitOpen(open)
			if open {
				logger.Warn("ai: circuit opened", "open_for", cfg.BreakerOpenFor)
			} else {
				logger.Info("ai: circuit closed")
			}
		},
	})

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	generator := ai.NewClient(provider, breaker, ai.Config{
		MaxAttempts:     cfg.AIMaxAttempts,
		BackoffBase:     cfg.AIBackoffBase,
		AttemptTimeout:  cfg.AIAttemptTimeout,
		MaxOutputTokens: cfg.AIMaxOutputTokens,
		Temperature:     cfg.AITemperature,
	}, m, logger)
	logger.Info("ai: provider configured", "provider", provider.Name(), "model", cfg.AIModel)

	// ── Cooldown ──────────────────────────────────────────────────────────────
	// Redis when configured so every replica sees the same in-flight slots.
	var gate cooldown.Gate
	if cfg.RedisURL != "" {
		rdb, err := cooldown.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		gate = cooldown.NewRedis(rdb, cfg.NudgeCooldown, logger)
		logger.Info("cooldown: using redis", "window", cfg.NudgeCooldown)
	} else {
		gate = cooldown.NewMemory(cfg.NudgeCooldown)
		logger.Info("cooldown: using in-process gate", "window", cfg.NudgeCooldown)
	}

	orch := nudge.NewOrchestrator(generator, st, gate, m, logger)

	// ── Email (Resend) ────────────────────────────────────────────────────────
	var mailer email.Sender = email.Noop{}
	if cfg.ResendAPIKey != "" {
		mailer = email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName, cfg.BaseURL)
	} else {
		logger.Info("email: RESEND_API_KEY not set, batch nudges will not be emailed")
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	job := worker.NewJob(st, orch, mailer, logger)
	runner := worker.NewRunner(job, queries, worker.RunnerConfig{
		Workers:       cfg.WorkerCount,
		PollInterval:  cfg.PollInterval,
		JobTimeout:    cfg.JobTimeout,
		MaxRetries:    cfg.MaxRetries,
		NudgeInterval: cfg.NudgeInterval,
	}, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(
		queries,
		st,
		orch,
		runner, // *Runner satisfies worker.Enqueuer
		breaker,
		metrics.Handler(reg),
		api.Config{
			Env:            cfg.Env,
			AllowedOrigin:  cfg.AllowedOrigin,
			RequestTimeout: cfg.RequestTimeout,
		},
		logger,
	)

	// Request contexts derive from requestCtx so shutdown can end streams
	// that outlive the grace period.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return requestCtx },
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: nudge streams stay open while the AI writes. The
		// blocking routes are bounded by RequestTimeout instead.
		IdleTimeout: 120 * time.Second,
	}

	// ── gRPC (health) ─────────────────────────────────────────────────────────
	grpcServer := grpc.NewServer()
	checker.Register(grpcServer)
	reflection.Register(grpcServer)

	// ── Listener ──────────────────────────────────────────────────────────────
	// HTTP and gRPC share PORT: gRPC clients are told apart by the HTTP/2
	// content-type header, everything else is plain HTTP.
	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(lis)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	var wg sync.WaitGroup
	if cfg.WorkerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Start(ctx)
		}()
	} else {
		logger.Info("worker: disabled; batch requests will queue until the queue is full")
	}

	serverErr := make(chan error, 3)
	go func() {
		if err := grpcServer.Serve(grpcL); err != nil && !errors.Is(err, cmux.ErrListenerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
			serverErr <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			serverErr <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("server listening", "addr", lis.Addr().String())
		if err := mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, cmux.ErrServerClosed) {
			serverErr <- fmt.Errorf("cmux: %w", err)
		}
	}()

	// Block until either a signal arrives or a server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Probes see NOT_SERVING first, then in-flight requests get up to 20
	// seconds to finish. Streams still open after that have their context
	// cancelled, which persists nothing and frees the learner's cooldown slot.
	checker.Shutdown()

	if err := shutdownHTTP(srv, cancelRequests, 20*time.Second, logger); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	grpcServer.GracefulStop()
	mux.Close()

	// runner.Start returns once every worker goroutine has finished its job.
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// newProvider builds the AI provider named by AI_PROVIDER.
func newProvider(cfg *config.Config) (ai.Provider, error) {
	hc := ai.NewHTTPClient()
	switch cfg.AIProvider {
	case config.ProviderGemini:
		return ai.NewGeminiProvider(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL, hc), nil
	case config.ProviderOpenAI:
		return ai.NewOpenAIProvider(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL, hc), nil
	default:
		return nil, fmt.Errorf("ai: unknown provider %q", cfg.AIProvider)
	}
}

// openDB opens the connection pool and verifies the database is reachable
// before the server accepts traffic.
func openDB(ctx context.Context, dsn string) (*sql.DB, *db.Queries, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}

	return pool, db.New(pool), nil
}
