// Package email defines the interface for nudge email delivery and provides a
// Resend-backed implementation.
package email

import "context"

// NudgeParams holds the data needed to email one nudge to a learner.
type NudgeParams struct {
	To          string // recipient email address
	LearnerName string // used in the greeting; may be empty
	Text        string // the persisted nudge text, sent verbatim
	NudgeID     int64  // included as an idempotency key
}

// Sender is the interface the batch worker uses to send email. Tests inject a
// stub that records calls without hitting the network.
type Sender interface {
	SendNudge(ctx context.Context, p NudgeParams) error
}

// Noop is the Sender used when RESEND_API_KEY is not configured.
type Noop struct{}

func (Noop) SendNudge(context.Context, NudgeParams) error { return nil }
