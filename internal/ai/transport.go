package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nyashahama/learner-nudge-backend/internal/sse"
)

// NewHTTPClient returns the shared HTTP client for providers. There is no
// client-wide Timeout: the generation client bounds every attempt with its
// own context, and a global timeout would cut long streams.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// postJSON sends body to url and returns the response when the status is
// 2xx. Every failure comes back classified as *UpstreamError.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body any) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("ai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: "http request failed", Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newStatusError(resp.StatusCode, errorMessage(raw))
	}
	return resp, nil
}

// readBody reads a successful response body with a 1 MB cap.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: "read response body", Retryable: true, Err: err}
	}
	return raw, nil
}

// errorMessage pulls {"error":{"message":...}} out of an error body, which
// both supported wire formats use, or falls back to the raw text.
func errorMessage(raw []byte) string {
	var env struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(bytes.TrimSpace(raw))
}

// ─── SSE DELTA STREAM ─────────────────────────────────────────────────────────

// chunkDecoder turns one SSE data payload into a text fragment. done reports
// the provider's explicit end-of-stream marker.
type chunkDecoder func(data string) (text string, done bool, err error)

// sseStream adapts a text/event-stream response body to DeltaStream.
type sseStream struct {
	body   io.ReadCloser
	r      *sse.Reader
	decode chunkDecoder
	done   bool
}

func newSSEStream(body io.ReadCloser, decode chunkDecoder) *sseStream {
	return &sseStream{body: body, r: sse.NewReader(body), decode: decode}
}

func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	ev, err := s.r.Next()
	if errors.Is(err, io.EOF) {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		return "", &UpstreamError{Message: "stream read failed", Retryable: true, Err: err}
	}

	text, done, err := s.decode(ev.Data)
	if err != nil {
		return "", err
	}
	if done {
		s.done = true
		return "", io.EOF
	}
	return text, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
