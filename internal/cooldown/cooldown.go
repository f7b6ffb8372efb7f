// Package cooldown rate-limits nudge generation per learner: at most one
// request in flight, and a quiet window after each completed nudge.
package cooldown

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultWindow is the quiet period after a completed nudge.
const DefaultWindow = 30 * time.Second

// Error is returned by Acquire when the learner may not get a nudge yet.
type Error struct {
	LearnerID int64
	Remaining time.Duration // zero when InFlight
	InFlight  bool
}

func (e *Error) Error() string {
	if e.InFlight {
		return fmt.Sprintf("cooldown: learner %d already has a nudge in progress", e.LearnerID)
	}
	return fmt.Sprintf("cooldown: learner %d must wait %s", e.LearnerID, e.Remaining.Round(time.Second))
}

// RetryAfterSeconds is the value for a Retry-After header, at least 1.
func (e *Error) RetryAfterSeconds() int {
	s := int(math.Ceil(e.Remaining.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Release ends an acquired slot. completed=true starts the quiet window;
// false (cancelled, or nothing was persisted) frees the learner at once.
// Calling it more than once is a no-op.
type Release func(completed bool)

// Gate admits or rejects a nudge request for a learner.
type Gate interface {
	Acquire(ctx context.Context, learnerID int64) (Release, error)
}

// ─── IN-MEMORY GATE ───────────────────────────────────────────────────────────

type slot struct {
	inFlight bool
	until    time.Time
}

// Memory is a process-local Gate. Use Redis when more than one replica serves
// the API.
type Memory struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	slots map[int64]*slot
}

// NewMemory returns an in-process gate. A non-positive window uses
// DefaultWindow.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{window: window, now: time.Now, slots: make(map[int64]*slot)}
}

func (m *Memory) Acquire(_ context.Context, learnerID int64) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.slots[learnerID]
	if !ok {
		s = &slot{}
		m.slots[learnerID] = s
	}
	if s.inFlight {
		return nil, &Error{LearnerID: learnerID, InFlight: true}
	}
	if now.Before(s.until) {
		return nil, &Error{LearnerID: learnerID, Remaining: s.until.Sub(now)}
	}
	s.inFlight = true

	var once sync.Once
	return func(completed bool) {
		once.Do(func() { m.release(learnerID, completed) })
	}, nil
}

func (m *Memory) release(learnerID int64, completed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.slots[learnerID]
	s.inFlight = false
	if completed {
		s.until = m.now().Add(m.window)
	}
	m.prune()
}

// prune drops idle learners whose window has passed so the map does not grow
// with every learner ever nudged. Called with mu held.
func (m *Memory) prune() {
	now := m.now()
	for id, s := range m.slots {
		if !s.inFlight && !now.Before(s.until) {
			delete(m.slots, id)
		}
	}
}
