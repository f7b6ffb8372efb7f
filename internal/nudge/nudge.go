// Package nudge turns a learner snapshot into a persisted motivational
// message. The Orchestrator asks the AI client first and falls back to a
// deterministic template on any generation failure, so every accepted request
// ends with exactly one stored nudge.
package nudge

import (
	"fmt"
	"unicode/utf8"

	"github.com/nyashahama/learner-nudge-backend/internal/db"
)

// Length bounds for nudge text, in characters.
const (
	MinLength = 20
	MaxLength = 160
)

// Source records who wrote the text.
type Source string

const (
	SourceAI       Source = "ai"
	SourceTemplate Source = "template"
)

// Path is the entry point a nudge was produced through.
type Path string

const (
	PathBlocking Path = "blocking"
	PathStream   Path = "stream"
)

// Response is the blocking entry point's result and the body returned to the
// dashboard.
type Response struct {
	Text      string `json:"text"`
	Source    Source `json:"source"`
	NudgeID   int64  `json:"nudgeId"`
	LearnerID int64  `json:"learnerId"`
}

// Meta is stored in nudges.meta for later debugging. None of it reaches the
// learner.
type Meta struct {
	RequestID      string `json:"request_id"`
	Path           Path   `json:"path"`
	Provider       string `json:"provider,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// PersistenceError means the nudge could not be stored. It is the only
// pipeline failure, besides a cooldown rejection, that reaches the caller.
type PersistenceError struct {
	LearnerID int64
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("nudge: persist nudge for learner %d: %v", e.LearnerID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (s Source) dbSource() db.NudgeSource {
	if s == SourceAI {
		return db.NudgeSourceAi
	}
	return db.NudgeSourceTemplate
}

func (s Source) dbStatus() db.NudgeStatus {
	if s == SourceAI {
		return db.NudgeStatusSent
	}
	return db.NudgeStatusFallback
}

// checkLength reports text outside [MinLength, MaxLength].
func checkLength(text string) error {
	n := utf8.RuneCountInString(text)
	if n < MinLength || n > MaxLength {
		return fmt.Errorf("nudge: text length %d outside [%d,%d]", n, MinLength, MaxLength)
	}
	return nil
}
