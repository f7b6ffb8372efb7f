package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nyashahama/learner-nudge-backend/internal/cooldown"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/email"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/store"
)

// ErrSkipped marks a job that must not be retried: the learner is gone,
// invalid, or still inside the cooldown window.
var ErrSkipped = errors.New("worker: job skipped")

// LearnerLoader loads the pipeline input. *store.Store satisfies it.
type LearnerLoader interface {
	LoadLearner(ctx context.Context, id int64) (learner.Snapshot, db.Learner, error)
}

// Nudger runs the blocking nudge pipeline. *nudge.Orchestrator satisfies it.
type Nudger interface {
	Generate(ctx context.Context, l learner.Snapshot) (nudge.Response, error)
}

// Job nudges one learner. Each step is a separate method so the Run method
// reads top to bottom.
type Job struct {
	loader LearnerLoader
	nudger Nudger
	mailer email.Sender
	logger *slog.Logger
}

// NewJob constructs a Job with all required dependencies.
func NewJob(loader LearnerLoader, nudger Nudger, mailer email.Sender, logger *slog.Logger) *Job {
	return &Job{
		loader: loader,
		nudger: nudger,
		mailer: mailer,
		logger: logger,
	}
}

// Run executes the pipeline for a single learner:
//
//  1. Load and validate the learner snapshot.
//  2. Generate and persist a nudge (AI or template).
//  3. Email the nudge when the learner has an address.
//
// Errors wrapping ErrSkipped are final. Any other error is returned to the
// Runner, which retries up to MaxRetries times.
func (j *Job) Run(ctx context.Context, learnerID int64) error {
	log := j.logger.With("learner_id", learnerID)
	log.Info("job: starting")

	// ── 1. Load ───────────────────────────────────────────────────────────────
	snap, row, err := j.loader.LoadLearner(ctx, learnerID)
	if errors.Is(err, store.ErrLearnerNotFound) {
		return fmt.Errorf("%w: learner %d not found", ErrSkipped, learnerID)
	}
	if err != nil {
		return fmt.Errorf("job: load learner: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("%w: invalid learner: %v", ErrSkipped, err)
	}

	// ── 2. Generate + persist ─────────────────────────────────────────────────
	resp, err := j.nudger.Generate(ctx, snap)
	var ce *cooldown.Error
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	if err != nil {
		return fmt.Errorf("job: generate nudge: %w", err)
	}

	log.Info("job: nudge persisted", "nudge_id", resp.NudgeID, "source", resp.Source)

	// ── 3. Deliver ────────────────────────────────────────────────────────────
	if !row.Email.Valid || row.Email.String == "" {
		log.Debug("job: learner has no email address, skipping delivery")
		return nil
	}

	if err := j.mailer.SendNudge(ctx, email.NudgeParams{
		To:          row.Email.String,
		LearnerName: snap.FirstName(),
		Text:        resp.Text,
		NudgeID:     resp.NudgeID,
	}); err != nil {
		// The nudge is stored and visible on the dashboard; a retry would only
		// hit the cooldown window.
		log.Error("job: failed to send nudge email", "to", row.Email.String, "error", err)
	}

	return nil
}
