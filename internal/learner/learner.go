// Package learner defines the read-only learner snapshot consumed by the
// nudge pipeline. It is intentionally dependency-free: it imports nothing from
// internal/ and can be tested without a database.
package learner

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// RiskLabel is the externally computed risk band for a learner. The scoring
// formula that produces it lives outside this service.
type RiskLabel string

const (
	RiskLow    RiskLabel = "low"
	RiskMedium RiskLabel = "medium"
	RiskHigh   RiskLabel = "high"
)

// Valid reports whether l is one of the known labels.
func (l RiskLabel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Snapshot is the learner state for the duration of one generation request.
// Callers must not mutate it once handed to the pipeline.
type Snapshot struct {
	ID             int64
	Name           string
	CompletionPct  float64 // [0, 100]
	QuizAvg        float64 // [0, 100]
	MissedSessions int     // >= 0
	RiskLabel      RiskLabel
}

// Validate checks the snapshot ranges. The pipeline assumes a valid snapshot;
// the HTTP layer and the batch worker call this before handing it over.
func (s Snapshot) Validate() error {
	var errs []error
	if s.ID <= 0 {
		errs = append(errs, fmt.Errorf("learner: id must be positive, got %d", s.ID))
	}
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("learner: name must not be empty"))
	}
	if math.IsNaN(s.CompletionPct) || s.CompletionPct < 0 || s.CompletionPct > 100 {
		errs = append(errs, fmt.Errorf("learner: completion %.1f out of range [0,100]", s.CompletionPct))
	}
	if math.IsNaN(s.QuizAvg) || s.QuizAvg < 0 || s.QuizAvg > 100 {
		errs = append(errs, fmt.Errorf("learner: quiz average %.1f out of range [0,100]", s.QuizAvg))
	}
	if s.MissedSessions < 0 {
		errs = append(errs, fmt.Errorf("learner: missed sessions %d must be >= 0", s.MissedSessions))
	}
	if !s.RiskLabel.Valid() {
		errs = append(errs, fmt.Errorf("learner: unknown risk label %q", s.RiskLabel))
	}
	return errors.Join(errs...)
}

// FirstName returns the first whitespace-separated token of Name, or "there"
// when the name is blank so greetings still read naturally.
func (s Snapshot) FirstName() string {
	fields := strings.Fields(s.Name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
