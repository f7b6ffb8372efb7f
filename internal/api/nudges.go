package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/nyashahama/learner-nudge-backend/internal/cooldown"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/sse"
	"github.com/nyashahama/learner-nudge-backend/internal/store"
	"github.com/nyashahama/learner-nudge-backend/internal/worker"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxBatchSize        = 100
)

// ─── POST /api/learners/:learnerID/nudges ─────────────────────────────────────

// handleCreateNudge generates, persists and returns one nudge for the learner.
//
// The response is a JSON object unless the client asks for a stream with
// "Accept: text/event-stream" or "?stream=true", in which case frames are
// written as server-sent events until a terminal frame. Rejections (unknown
// learner, cooldown) are always plain JSON because no frame has been written
// yet.
func (s *Server) handleCreateNudge(w http.ResponseWriter, r *http.Request) {
	learnerID, ok := learnerIDParam(w, r)
	if !ok {
		return
	}

	if wantsStream(r) {
		snap, ok := s.loadSnapshot(w, r, learnerID)
		if !ok {
			return
		}
		s.streamNudge(w, r, snap)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	snap, ok := s.loadSnapshot(w, r, learnerID)
	if !ok {
		return
	}

	resp, err := s.nudger.Generate(ctx, snap)
	if err != nil {
		s.respondNudgeErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, resp)
}

func (s *Server) streamNudge(w http.ResponseWriter, r *http.Request, snap learner.Snapshot) {
	events, err := s.nudger.Stream(r.Context(), snap)
	if err != nil {
		s.respondNudgeErr(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := sse.NewWriter(w)
	for e := range events {
		if err := nudge.WriteEvent(sw, e); err != nil {
			s.logger.Info("api: stream write failed, draining",
				"learner_id", snap.ID,
				"error", err,
				"request_id", middleware.GetReqID(r.Context()),
			)
			// The request context is cancelled once the connection is gone,
			// which makes the orchestrator close the channel.
			for range events {
			}
			return
		}
	}
}

// respondNudgeErr maps pipeline errors to status codes. Generation failures
// never get here; they become template nudges.
func (s *Server) respondNudgeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce *cooldown.Error
		pe *nudge.PersistenceError
	)
	switch {
	case errors.As(err, &ce):
		w.Header().Set("Retry-After", strconv.Itoa(ce.RetryAfterSeconds()))
		respond(w, http.StatusTooManyRequests, map[string]any{
			"error":               ce.Error(),
			"retry_after_seconds": ce.RetryAfterSeconds(),
			"in_flight":           ce.InFlight,
		})
	case errors.As(err, &pe):
		s.logger.Error("api: nudge not saved",
			"learner_id", pe.LearnerID,
			"error", pe.Err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		respondErr(w, http.StatusServiceUnavailable, "nudge could not be saved, please retry")
	case errors.Is(err, context.DeadlineExceeded):
		respondErr(w, http.StatusGatewayTimeout, "nudge generation timed out")
	case errors.Is(err, context.Canceled):
		// The client is gone; nothing will read the body.
		s.logger.Info("api: client cancelled nudge request",
			"request_id", middleware.GetReqID(r.Context()),
		)
	default:
		s.respondInternalErr(w, r, fmt.Errorf("create nudge: %w", err))
	}
}

// loadSnapshot loads and validates the learner. It writes 404, 422 or 500 and
// returns false on failure.
func (s *Server) loadSnapshot(w http.ResponseWriter, r *http.Request, learnerID int64) (learner.Snapshot, bool) {
	snap, _, err := s.learners.LoadLearner(r.Context(), learnerID)
	if errors.Is(err, store.ErrLearnerNotFound) {
		respondErr(w, http.StatusNotFound, "learner not found")
		return learner.Snapshot{}, false
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("load learner: %w", err))
		return learner.Snapshot{}, false
	}
	if err := snap.Validate(); err != nil {
		respondErr(w, http.StatusUnprocessableEntity, "invalid learner record: "+err.Error())
		return learner.Snapshot{}, false
	}
	return snap, true
}

func wantsStream(r *http.Request) bool {
	if v, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil {
		return v
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ─── GET /api/learners/:learnerID/nudges ──────────────────────────────────────

type nudgeItem struct {
	ID        int64     `json:"id"`
	LearnerID int64     `json:"learnerId"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleListNudges returns the learner's persisted nudges, newest first. An
// unknown learner is an empty list; history is append-only and never joins
// back to the learners table.
func (s *Server) handleListNudges(w http.ResponseWriter, r *http.Request) {
	learnerID, ok := learnerIDParam(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := s.q.ListNudgesByLearner(r.Context(), db.ListNudgesByLearnerParams{
		LearnerID: learnerID,
		Limit:     int32(limit),
	})
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list nudges: %w", err))
		return
	}

	items := make([]nudgeItem, 0, len(rows))
	for _, n := range rows {
		items = append(items, nudgeItem{
			ID:        n.ID,
			LearnerID: n.LearnerID,
			Text:      n.Text,
			Source:    string(n.Source),
			Status:    string(n.Status),
			CreatedAt: n.CreatedAt,
		})
	}
	respond(w, http.StatusOK, map[string]any{"nudges": items})
}

// ─── POST /api/nudges/batch ───────────────────────────────────────────────────

type batchRequest struct {
	LearnerIDs []int64 `json:"learner_ids"`
}

type batchResponse struct {
	Accepted []int64 `json:"accepted"`
	Rejected []int64 `json:"rejected"`
}

// handleBatchNudges hands learners to the background worker. Each job runs the
// blocking pipeline and emails the result. Ids the queue has no room for are
// returned in "rejected"; the poller picks up high-risk ones later anyway.
func (s *Server) handleBatchNudges(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}

	if len(req.LearnerIDs) == 0 {
		respondErr(w, http.StatusBadRequest, "learner_ids must not be empty")
		return
	}
	if len(req.LearnerIDs) > maxBatchSize {
		respondErr(w, http.StatusBadRequest, fmt.Sprintf("at most %d learner_ids per batch", maxBatchSize))
		return
	}

	seen := make(map[int64]bool, len(req.LearnerIDs))
	resp := batchResponse{Accepted: []int64{}, Rejected: []int64{}}
	for _, id := range req.LearnerIDs {
		if id <= 0 {
			respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid learner id %d", id))
			return
		}
	}
	for _, id := range req.LearnerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		err := s.worker.Enqueue(r.Context(), id)
		switch {
		case err == nil:
			resp.Accepted = append(resp.Accepted, id)
		case errors.Is(err, worker.ErrQueueFull):
			resp.Rejected = append(resp.Rejected, id)
		default:
			s.respondInternalErr(w, r, fmt.Errorf("enqueue learner %d: %w", id, err))
			return
		}
	}

	respond(w, http.StatusAccepted, resp)
}

// ─── GET /api/ai/status ───────────────────────────────────────────────────────

type aiStatusResponse struct {
	Open                bool       `json:"open"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

// handleAIStatus reports the circuit breaker so the dashboard can show that
// nudges are currently template-only.
func (s *Server) handleAIStatus(w http.ResponseWriter, r *http.Request) {
	st := s.circuit.State()
	resp := aiStatusResponse{
		Open:                st.Open(s.now()),
		ConsecutiveFailures: st.ConsecutiveFailures,
	}
	if resp.Open {
		until := st.OpenUntil
		resp.OpenUntil = &until
	}
	respond(w, http.StatusOK, resp)
}
