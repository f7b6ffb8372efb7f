// Package worker contains the background pipeline that nudges learners in
// bulk: explicit batches from the API and a poller that picks up high-risk
// learners who have not been nudged recently. The api package holds a
// worker.Enqueuer interface and calls Enqueue; it never imports the concrete
// Runner or Job types.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nyashahama/learner-nudge-backend/internal/db"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface the api package uses to hand off learners.
// In tests, any struct with an Enqueue method satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, learnerID int64) error
}

// ErrQueueFull is returned by Enqueue when the in-process queue has no room.
var ErrQueueFull = errors.New("worker: queue is full")

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields take the
// DefaultRunnerConfig values.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Default: 3.
	Workers int

	// PollInterval is how often the poller looks for high-risk learners due a
	// nudge. Default: 5m.
	PollInterval time.Duration

	// JobTimeout is the per-job context deadline. It must exceed the AI
	// client's worst case (3 attempts plus backoff). Default: 2m.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts per learner. Default: 3.
	MaxRetries int

	// NudgeInterval is how long a high-risk learner goes without a nudge
	// before the poller picks them up. Default: 24h.
	NudgeInterval time.Duration

	// PollBatch caps how many learners one poll enqueues. Default: 100.
	PollBatch int
}

// DefaultRunnerConfig returns safe production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:       3,
		PollInterval:  5 * time.Minute,
		JobTimeout:    2 * time.Minute,
		MaxRetries:    3,
		NudgeInterval: 24 * time.Hour,
		PollBatch:     100,
	}
}

// jobRunner is the part of *Job the Runner needs.
type jobRunner interface {
	Run(ctx context.Context, learnerID int64) error
}

// Runner manages a pool of worker goroutines fed by an in-process channel
// (batch requests) and a periodic database poll.
type Runner struct {
	job    jobRunner
	q      db.Querier
	cfg    RunnerConfig
	logger *slog.Logger

	now     func() time.Time
	backoff func(attempt int) time.Duration

	queue chan int64
	wg    sync.WaitGroup
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(job *Job, q db.Querier, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return newRunner(job, q, cfg, logger)
}

func newRunner(job jobRunner, q db.Querier, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.NudgeInterval <= 0 {
		cfg.NudgeInterval = def.NudgeInterval
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = def.PollBatch
	}

	return &Runner{
		job:    job,
		q:      q,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		// Exponential back-off: 2s, 4s, 8s …
		backoff: func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		// Room for one poll batch so the poller rarely drops learners.
		queue: make(chan int64, max(cfg.Workers*2, cfg.PollBatch)),
	}
}

// Enqueue pushes a learner onto the in-process channel without blocking.
func (r *Runner) Enqueue(_ context.Context, learnerID int64) error {
	select {
	case r.queue <- learnerID:
		r.logger.Info("worker: enqueued learner", "learner_id", learnerID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the worker pool and the poller. It blocks until ctx is
// cancelled. Call it in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := range r.cfg.Workers {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)
	log.Info("worker: goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: goroutine stopping")
			return
		case learnerID := <-r.queue:
			r.runWithRetry(ctx, learnerID, log)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce enqueues high-risk learners whose last nudge is older than
// NudgeInterval, oldest first.
func (r *Runner) pollOnce(ctx context.Context) {
	ids, err := r.q.ListLearnersDueForNudge(ctx, db.ListLearnersDueForNudgeParams{
		RiskLabel:    db.RiskLabelHigh,
		LastNudgedAt: sql.NullTime{Time: r.now().Add(-r.cfg.NudgeInterval), Valid: true},
		Limit:        int32(r.cfg.PollBatch),
	})
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case r.queue <- id:
			r.logger.Debug("worker: poller enqueued learner", "learner_id", id)
		default:
			// Queue full; the learner is still due on the next poll.
		}
	}
}

// runWithRetry executes the job up to MaxRetries times. Skipped jobs are not
// retried.
func (r *Runner) runWithRetry(ctx context.Context, learnerID int64, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, learnerID)
		cancel()

		if lastErr == nil {
			log.Info("worker: job completed", "learner_id", learnerID, "attempt", attempt)
			return
		}
		if errors.Is(lastErr, ErrSkipped) {
			log.Info("worker: job skipped", "learner_id", learnerID, "reason", lastErr)
			return
		}

		log.Warn("worker: job attempt failed",
			"learner_id", learnerID,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff(attempt)):
			}
		}
	}

	// The poller picks the learner up again once they are due.
	log.Error("worker: job permanently failed", "learner_id", learnerID, "error", lastErr)
}
