package nudge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyashahama/learner-nudge-backend/internal/ai"
	"github.com/nyashahama/learner-nudge-backend/internal/cooldown"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/metrics"
	"github.com/nyashahama/learner-nudge-backend/internal/store"
)

// Saver persists a finished nudge. *store.Store satisfies it.
type Saver interface {
	SaveNudge(ctx context.Context, p store.SaveNudgeParams) (db.Nudge, error)
}

// Orchestrator runs the nudge pipeline. It is safe for concurrent use; all
// shared state lives in the generator's breaker and the cooldown gate.
type Orchestrator struct {
	gen     ai.Generator
	saver   Saver
	gate    cooldown.Gate
	metrics *metrics.Metrics
	logger  *slog.Logger

	now       func() time.Time
	requestID func() string
}

// NewOrchestrator wires the pipeline. m may be nil.
func NewOrchestrator(gen ai.Generator, saver Saver, gate cooldown.Gate, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gen:       gen,
		saver:     saver,
		gate:      gate,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		requestID: uuid.NewString,
	}
}

// ─── BLOCKING ─────────────────────────────────────────────────────────────────

// Generate produces, persists and returns one nudge for l.
//
// Errors: *cooldown.Error when the learner is throttled (the AI is not
// contacted), *PersistenceError when the nudge could not be stored, and
// ctx.Err() when the caller went away before anything was stored. Generation
// failures never surface; they become template nudges. When ctx has a
// deadline the AI gets only part of it, so a slow provider still ends in a
// stored template nudge.
func (o *Orchestrator) Generate(ctx context.Context, l learner.Snapshot) (Response, error) {
	release, err := o.acquire(ctx, l.ID)
	if err != nil {
		return Response{}, err
	}
	completed := false
	defer func() { release(completed) }()

	meta := Meta{RequestID: o.requestID(), Path: PathBlocking}
	logger := o.logger.With("learner_id", l.ID, "request_id", meta.RequestID, "path", meta.Path)

	var (
		text   string
		source Source
	)
	genCtx, cancel := generationContext(ctx)
	res, genErr := o.gen.Generate(genCtx, BuildPrompt(l))
	cancel()
	if genErr == nil {
		genErr = checkLength(res.Text)
	}
	if ctx.Err() != nil {
		logger.Info("nudge: request cancelled before persisting")
		return Response{}, ctx.Err()
	}

	if genErr == nil {
		text, source = res.Text, SourceAI
		meta.Provider, meta.Attempts = res.Provider, res.Attempts
	} else {
		text, source = o.fallback(l, genErr, &meta, logger)
	}

	resp, err := o.persist(ctx, l, text, source, meta, logger)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, err
	}
	completed = true
	return resp, nil
}

// persistReserve is the most of the caller's deadline held back for saving.
const persistReserve = 2 * time.Second

// generationContext ends the AI call before ctx's deadline, keeping
// min(persistReserve, a quarter of the remaining time) for the fallback and
// the write.
func generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	reserve := min(persistReserve, time.Until(deadline)/4)
	return context.WithDeadline(ctx, deadline.Add(-reserve))
}

// ─── STREAMING ────────────────────────────────────────────────────────────────

// Stream starts a streamed generation for l and returns its frames. A cooldown
// rejection is returned before any frame. Otherwise the channel carries start,
// zero or more chunks, and exactly one terminal frame (complete, or a fatal
// error when persisting failed), then closes.
//
// Cancelling ctx stops the upstream read and closes the channel without a
// terminal frame; nothing is persisted for a cancelled stream.
func (o *Orchestrator) Stream(ctx context.Context, l learner.Snapshot) (<-chan Event, error) {
	release, err := o.acquire(ctx, l.ID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go o.runStream(ctx, l, release, out)
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, l learner.Snapshot, release cooldown.Release, out chan<- Event) {
	defer close(out)
	completed := false
	defer func() { release(completed) }()

	meta := Meta{RequestID: o.requestID(), Path: PathStream}
	logger := o.logger.With("learner_id", l.ID, "request_id", meta.RequestID, "path", meta.Path)

	emit := func(e Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventStart, LearnerID: l.ID, RequestID: meta.RequestID}) {
		o.cancelled(logger)
		return
	}

	text, genErr := o.relay(ctx, l, emit)
	if ctx.Err() != nil {
		o.cancelled(logger)
		return
	}

	source := SourceAI
	if genErr != nil {
		if !emit(Event{Type: EventError, Message: fallbackMessage(genErr), Fallback: true}) {
			o.cancelled(logger)
			return
		}
		text, source = o.fallback(l, genErr, &meta, logger)
	}

	if ctx.Err() != nil {
		o.cancelled(logger)
		return
	}
	resp, err := o.persist(ctx, l, text, source, meta, logger)
	if err != nil {
		emit(Event{Type: EventError, Message: "could not save nudge", Fatal: true})
		return
	}
	completed = true

	emit(Event{
		Type:      EventComplete,
		Text:      resp.Text,
		Source:    resp.Source,
		NudgeID:   resp.NudgeID,
		LearnerID: resp.LearnerID,
	})
}

// relay forwards AI fragments as chunk frames and returns the cleaned final
// text, or the reason the AI path failed. On cancellation the returned values
// are meaningless and the caller checks ctx.
func (o *Orchestrator) relay(ctx context.Context, l learner.Snapshot, emit func(Event) bool) (string, error) {
	deltas, err := o.gen.Stream(ctx, BuildPrompt(l))
	if err != nil {
		return "", err
	}

	var (
		acc     strings.Builder
		failure error
	)
	for d := range deltas {
		if d.Err != nil {
			failure = d.Err
			continue
		}
		acc.WriteString(d.Text)
		if !emit(Event{Type: EventChunk, Delta: d.Text, Text: acc.String()}) {
			// The generator closes deltas promptly once ctx is done.
			for range deltas {
			}
			return "", ctx.Err()
		}
	}
	if failure != nil {
		return "", failure
	}

	text := ai.CleanText(acc.String())
	if err := checkLength(text); err != nil {
		return "", err
	}
	return text, nil
}

// ─── SHARED STEPS ─────────────────────────────────────────────────────────────

func (o *Orchestrator) acquire(ctx context.Context, learnerID int64) (cooldown.Release, error) {
	release, err := o.gate.Acquire(ctx, learnerID)
	if err != nil {
		var ce *cooldown.Error
		if errors.As(err, &ce) {
			o.metrics.IncCooldownRejection()
		}
		return nil, err
	}
	return release, nil
}

func (o *Orchestrator) fallback(l learner.Snapshot, genErr error, meta *Meta, logger *slog.Logger) (string, Source) {
	meta.FallbackReason = genErr.Error()
	var ge *ai.GenerationError
	if errors.As(genErr, &ge) {
		meta.Provider, meta.Attempts = ge.Provider, ge.Attempts
	}
	logger.Warn("nudge: falling back to template",
		"kind", ai.Kind(genErr),
		"error", genErr,
	)
	return Fallback(l, meta.FallbackReason), SourceTemplate
}

func (o *Orchestrator) persist(ctx context.Context, l learner.Snapshot, text string, source Source, meta Meta, logger *slog.Logger) (Response, error) {
	saved, err := o.saver.SaveNudge(ctx, store.SaveNudgeParams{
		LearnerID: l.ID,
		Text:      text,
		Source:    source.dbSource(),
		Status:    source.dbStatus(),
		Meta:      meta,
		At:        o.now(),
	})
	if err != nil {
		o.metrics.IncPersistFailure()
		logger.Error("nudge: persist failed", "source", source, "error", err)
		return Response{}, &PersistenceError{LearnerID: l.ID, Err: err}
	}

	o.metrics.IncNudge(string(meta.Path), string(source))
	logger.Info("nudge: saved", "nudge_id", saved.ID, "source", source)
	return Response{
		Text:      text,
		Source:    source,
		NudgeID:   saved.ID,
		LearnerID: l.ID,
	}, nil
}

func (o *Orchestrator) cancelled(logger *slog.Logger) {
	o.metrics.IncStreamCancelled()
	logger.Info("nudge: stream cancelled by client")
}

// fallbackMessage is the client-facing text of a fallback error frame. It
// names the failure class only.
func fallbackMessage(err error) string {
	switch ai.Kind(err) {
	case ai.KindCircuitOpen:
		return "AI temporarily unavailable; using a template nudge"
	case ai.KindNone, ai.KindUnknown:
		return "AI response unusable; using a template nudge"
	default:
		return "AI generation failed (" + string(ai.Kind(err)) + "); using a template nudge"
	}
}
