// Package ai is the generation client for nudge text. A Provider speaks one
// upstream wire format; Client wraps it with per-attempt timeouts, retry with
// exponential backoff, and a circuit breaker shared by every request in the
// process.
package ai

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nyashahama/learner-nudge-backend/internal/metrics"
)

// Request is the provider-neutral generation request.
type Request struct {
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
}

// Provider performs a single attempt against one upstream. Implementations
// must classify failures as *UpstreamError or *MalformedResponseError and be
// safe to call concurrently.
type Provider interface {
	Name() string

	// Complete returns the generated text of one blocking call.
	Complete(ctx context.Context, req Request) (string, error)

	// OpenStream starts a streamed call. The returned stream is bound to ctx:
	// cancelling ctx aborts the underlying read.
	OpenStream(ctx context.Context, req Request) (DeltaStream, error)
}

// DeltaStream yields text fragments in arrival order. Next returns io.EOF at
// the clean end of the stream and a *ChunkError for a fragment that could not
// be decoded; callers may keep reading after a *ChunkError.
type DeltaStream interface {
	Next() (string, error)
	Close() error
}

// Generator is what the nudge orchestrator needs from this package. *Client
// satisfies it; tests inject stubs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Result, error)
	Stream(ctx context.Context, prompt string) (<-chan Delta, error)
}

// Result is a successful blocking generation.
type Result struct {
	Text     string
	Provider string
	Attempts int
}

// Delta is one item on a stream channel: a text fragment, or a terminal Err.
type Delta struct {
	Text string
	Err  error
}

// Config tunes the retry loop. Zero fields take the defaults.
type Config struct {
	MaxAttempts     int           // default 3
	BackoffBase     time.Duration // default 1s; wait before retry n is 2^n × base
	AttemptTimeout  time.Duration // default 15s; also the stream idle timeout
	MaxOutputTokens int           // default 80
	Temperature     float64       // default 0.7
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		AttemptTimeout:  15 * time.Second,
		MaxOutputTokens: 80,
		Temperature:     0.7,
	}
}

// Client is the resilient Generator over a Provider.
type Client struct {
	provider Provider
	breaker  *Breaker
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewClient wires a Client. breaker is shared process state and must not be
// nil; m may be nil.
func NewClient(p Provider, b *Breaker, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}

	return &Client{
		provider: p,
		breaker:  b,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("provider", p.Name()),
		sleep:    sleepCtx,
		jitter:   quarterJitter,
	}
}

// Breaker exposes the shared circuit state for status endpoints.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Generate runs the blocking call with retry and breaker bookkeeping.
//
// Caller cancellation returns ctx.Err() and is not counted against the
// breaker. Any other final failure increments the failure count and comes
// back as *GenerationError.
func (c *Client) Generate(ctx context.Context, prompt string) (Result, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.ObserveAttempt(c.provider.Name(), string(KindCircuitOpen), 0)
		return Result{}, err
	}

	req := c.request(prompt)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		attempts++
		text, err := c.attempt(ctx, req)
		if err == nil {
			c.breaker.Success()
			return Result{Text: text, Provider: c.provider.Name(), Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		lastErr = err
		c.logger.Warn("ai: attempt failed",
			"attempt", attempt+1,
			"max", c.cfg.MaxAttempts,
			"kind", Kind(err),
			"error", err,
		)

		if !IsRetryable(err) {
			break
		}
		if attempt < c.cfg.MaxAttempts-1 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return Result{}, err
			}
		}
	}

	c.breaker.Failure()
	return Result{}, &GenerationError{Provider: c.provider.Name(), Attempts: attempts, Err: lastErr}
}

// attempt performs one bounded call and validates the text.
func (c *Client) attempt(ctx context.Context, req Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	raw, err := c.provider.Complete(attemptCtx, req)
	if err == nil {
		raw = CleanText(raw)
		if raw == "" {
			err = &MalformedResponseError{Reason: "generated text is empty"}
		}
	}
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
		// Our own per-attempt deadline fired: a hung upstream, retried like a 5xx.
		err = &UpstreamError{Message: "attempt timed out after " + c.cfg.AttemptTimeout.String(), Retryable: true, Err: err}
	}

	c.metrics.ObserveAttempt(c.provider.Name(), string(Kind(err)), time.Since(start))
	return raw, err
}

func (c *Client) request(prompt string) Request {
	return Request{
		Prompt:          prompt,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
		Temperature:     c.cfg.Temperature,
	}
}

// backoff returns 2^attempt × base plus non-negative jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << attempt
	return d + c.jitter(d)
}

// quarterJitter spreads simultaneous retries across up to 25% of d.
func quarterJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)/4 + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CleanText strips whitespace and one layer of wrapping quotes that models
// sometimes add around a single-sentence answer.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
