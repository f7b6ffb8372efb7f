package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ─── ERROR TAXONOMY ───────────────────────────────────────────────────────────

// CircuitOpenError is returned without any network call while the breaker is
// open.
type CircuitOpenError struct {
	OpenUntil time.Time
	Failures  int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("ai: circuit open until %s after %d consecutive failures",
		e.OpenUntil.UTC().Format(time.RFC3339), e.Failures)
}

// UpstreamError is a failed exchange with the provider. StatusCode is zero for
// transport failures and timeouts.
type UpstreamError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("ai: upstream: %s", e.Message)
	}
	return fmt.Sprintf("ai: upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MalformedResponseError means a 2xx response did not carry generated text in
// the expected shape. It is retried like a 5xx.
type MalformedResponseError struct {
	Reason string
	Body   string // truncated raw payload, for logs
}

func (e *MalformedResponseError) Error() string {
	if e.Body == "" {
		return "ai: malformed response: " + e.Reason
	}
	return fmt.Sprintf("ai: malformed response: %s (body: %.200s)", e.Reason, e.Body)
}

// ChunkError marks a single undecodable stream fragment. The client skips it
// and keeps reading.
type ChunkError struct {
	Data string
	Err  error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("ai: malformed stream chunk: %v (data: %.120s)", e.Err, e.Data)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// GenerationError is the final failure of a Generate or Stream call once
// retries are exhausted or a non-retryable error was hit.
type GenerationError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("ai: %s generation failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// StatusCode returns the upstream HTTP status behind the failure, or 0.
func (e *GenerationError) StatusCode() int {
	var ue *UpstreamError
	if errors.As(e.Err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// ─── CLASSIFICATION ───────────────────────────────────────────────────────────

// newStatusError classifies a non-2xx response. 4xx other than 429 is the
// caller's fault and is not retried; everything else is.
func newStatusError(status int, message string) *UpstreamError {
	retryable := !(status >= 400 && status < 500 && status != http.StatusTooManyRequests)
	if message == "" {
		message = http.StatusText(status)
	}
	return &UpstreamError{StatusCode: status, Message: message, Retryable: retryable}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// ErrorKind is a coarse label for logs and metrics.
type ErrorKind string

const (
	KindNone         ErrorKind = "success"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindRetryable    ErrorKind = "retryable"
	KindNonRetryable ErrorKind = "non_retryable"
	KindMalformed    ErrorKind = "malformed"
	KindCanceled     ErrorKind = "canceled"
	KindUnknown      ErrorKind = "unknown"
)

// Kind classifies err.
func Kind(err error) ErrorKind {
	var (
		co *CircuitOpenError
		me *MalformedResponseError
		ue *UpstreamError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &co):
		return KindCircuitOpen
	case errors.As(err, &me):
		return KindMalformed
	case errors.As(err, &ue):
		if ue.Retryable {
			return KindRetryable
		}
		return KindNonRetryable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}
