package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/sqlc-dev/pqtype"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// SaveNudgeParams is the final text of one generation request.
type SaveNudgeParams struct {
	LearnerID int64
	Text      string
	Source    db.NudgeSource
	Status    db.NudgeStatus
	Meta      any // marshalled into nudges.meta; nil stores NULL
	At        time.Time
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrLearnerNotFound is returned by LoadLearner for an unknown id.
var ErrLearnerNotFound = errors.New("store: learner not found")

// ─── METHODS ─────────────────────────────────────────────────────────────────

// SaveNudge inserts the nudge row and stamps learners.last_nudged_at in one
// transaction, so the poller never sees a nudge without the stamp or the
// reverse. Read committed is enough: both statements are blind writes.
func (s *Store) SaveNudge(ctx context.Context, p SaveNudgeParams) (db.Nudge, error) {
	meta, err := marshalMeta(p.Meta)
	if err != nil {
		return db.Nudge{}, fmt.Errorf("SaveNudge: %w", err)
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	var nudge db.Nudge
	err = s.withTx(ctx, sql.LevelReadCommitted, func(ctx context.Context, q db.Querier) error {
		created, err := q.CreateNudge(ctx, db.CreateNudgeParams{
			LearnerID: p.LearnerID,
			Text:      p.Text,
			Source:    p.Source,
			Status:    p.Status,
			Meta:      meta,
		})
		if err != nil {
			return fmt.Errorf("SaveNudge: create nudge: %w", err)
		}

		if err := q.TouchLearnerNudgedAt(ctx, db.TouchLearnerNudgedAtParams{
			ID:           p.LearnerID,
			LastNudgedAt: sql.NullTime{Time: at, Valid: true},
		}); err != nil {
			return fmt.Errorf("SaveNudge: touch learner: %w", err)
		}

		nudge = created
		return nil
	})
	return nudge, err
}

// LoadLearner fetches a learner and converts it to the pipeline snapshot.
func (s *Store) LoadLearner(ctx context.Context, id int64) (learner.Snapshot, db.Learner, error) {
	row, err := s.q.GetLearner(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return learner.Snapshot{}, db.Learner{}, ErrLearnerNotFound
	}
	if err != nil {
		return learner.Snapshot{}, db.Learner{}, fmt.Errorf("store: load learner %d: %w", id, err)
	}
	return Snapshot(row), row, nil
}

// Snapshot maps a learners row onto the read-only pipeline input.
func Snapshot(row db.Learner) learner.Snapshot {
	return learner.Snapshot{
		ID:             row.ID,
		Name:           row.Name,
		CompletionPct:  row.CompletionPct,
		QuizAvg:        row.QuizAvg,
		MissedSessions: int(row.MissedSessions),
		RiskLabel:      learner.RiskLabel(row.RiskLabel),
	}
}

func marshalMeta(v any) (pqtype.NullRawMessage, error) {
	if v == nil {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("marshal meta: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}
