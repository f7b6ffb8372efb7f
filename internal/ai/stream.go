package ai

import (
	"context"
	"errors"
	"io"
	"time"
)

// Stream opens a streamed generation and returns a channel of fragments.
//
// Opening the stream goes through the same retry loop as Generate. Once
// fragments flow there is no retry: a transport or upstream failure is sent
// as a final Delta{Err} (a *GenerationError) and counted against the breaker;
// a clean end closes the channel and resets the breaker. Undecodable
// fragments are logged and skipped. Cancelling ctx stops the read, releases
// the connection, and closes the channel without a terminal Delta.
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan Delta, error) {
	if err := c.breaker.Allow(); err != nil {
		c.metrics.ObserveAttempt(c.provider.Name(), string(KindCircuitOpen), 0)
		return nil, err
	}

	req := c.request(prompt)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		attempts++

		// The stream context outlives this function; an idle timer cancels it
		// if the upstream stalls, and the pump resets the timer on every read.
		streamCtx, cancel := context.WithCancel(ctx)
		idle := time.AfterFunc(c.cfg.AttemptTimeout, cancel)

		start := time.Now()
		ds, err := c.provider.OpenStream(streamCtx, req)
		if err == nil {
			c.metrics.ObserveAttempt(c.provider.Name(), string(KindNone), time.Since(start))
			out := make(chan Delta)
			go c.pump(ctx, streamCtx, cancel, idle, ds, attempts, out)
			return out, nil
		}

		idle.Stop()
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if streamCtx.Err() != nil {
			err = &UpstreamError{Message: "stream open timed out after " + c.cfg.AttemptTimeout.String(), Retryable: true, Err: err}
		}
		c.metrics.ObserveAttempt(c.provider.Name(), string(Kind(err)), time.Since(start))

		lastErr = err
		c.logger.Warn("ai: stream open failed",
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
				return nil, err
			}
		}
	}

	c.breaker.Failure()
	return nil, &GenerationError{Provider: c.provider.Name(), Attempts: attempts, Err: lastErr}
}

// pump forwards fragments from ds to out until the stream ends, fails, or
// the caller goes away.
func (c *Client) pump(
	ctx, streamCtx context.Context,
	cancel context.CancelFunc,
	idle *time.Timer,
	ds DeltaStream,
	attempts int,
	out chan<- Delta,
) {
	defer close(out)
	defer cancel()
	defer ds.Close()
	defer idle.Stop()

	received := false
	for {
		text, err := ds.Next()
		if err == nil {
			idle.Reset(c.cfg.AttemptTimeout)
			if text == "" {
				continue
			}
			received = true
			select {
			case out <- Delta{Text: text}:
			case <-ctx.Done():
				return
			}
			continue
		}

		var ce *ChunkError
		if errors.As(err, &ce) {
			c.metrics.IncMalformedChunk()
			c.logger.Warn("ai: skipping malformed stream chunk", "error", ce)
			continue
		}

		if ctx.Err() != nil {
			// Caller cancelled: neither success nor failure for the breaker.
			return
		}

		if errors.Is(err, io.EOF) {
			if received {
				c.breaker.Success()
				return
			}
			err = &MalformedResponseError{Reason: "stream ended without any text"}
		} else if streamCtx.Err() != nil {
			err = &UpstreamError{Message: "stream idle for " + c.cfg.AttemptTimeout.String(), Retryable: true, Err: err}
		}

		c.breaker.Failure()
		c.logger.Warn("ai: stream failed", "kind", Kind(err), "error", err)

		select {
		case out <- Delta{Err: &GenerationError{Provider: c.provider.Name(), Attempts: attempts, Err: err}}:
		case <-ctx.Done():
		}
		return
	}
}
