package nudge

import (
	"encoding/json"
	"fmt"

	"github.com/nyashahama/learner-nudge-backend/internal/sse"
)

// EventType names a frame of the nudge stream.
type EventType string

const (
	EventStart    EventType = "start"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one frame of the nudge stream. Fields are set per Type:
//
//	start     LearnerID, RequestID
//	chunk     Delta, Text (accumulated so far)
//	complete  Text, Source, NudgeID, LearnerID
//	error     Message, and Fallback or Fatal
type Event struct {
	Type      EventType `json:"type"`
	LearnerID int64     `json:"learnerId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Text      string    `json:"text,omitempty"`
	Source    Source    `json:"source,omitempty"`
	NudgeID   int64     `json:"nudgeId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
}

// Terminal reports whether the consumer should stop reading after e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || (e.Type == EventError && e.Fatal)
}

// WriteEvent frames e as one "data: <json>" SSE event.
func WriteEvent(w *sse.Writer, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nudge: marshal event: %w", err)
	}
	return w.WriteData(payload)
}

// ReadEvent decodes the next frame from r. It returns io.EOF when the stream
// ends.
func ReadEvent(r *sse.Reader) (Event, error) {
	raw, err := r.Next()
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal([]byte(raw.Data), &e); err != nil {
		return Event{}, fmt.Errorf("nudge: decode event: %w", err)
	}
	return e, nil
}
