package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nyashahama/learner-nudge-backend/internal/ai"
	"github.com/nyashahama/learner-nudge-backend/internal/api"
	"github.com/nyashahama/learner-nudge-backend/internal/cooldown"
	"github.com/nyashahama/learner-nudge-backend/internal/db"
	"github.com/nyashahama/learner-nudge-backend/internal/learner"
	"github.com/nyashahama/learner-nudge-backend/internal/nudge"
	"github.com/nyashahama/learner-nudge-backend/internal/sse"
	"github.com/nyashahama/learner-nudge-backend/internal/store"
	"github.com/nyashahama/learner-nudge-backend/internal/worker"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

// stubQuerier satisfies db.Querier with in-memory state.
type stubQuerier struct {
	db.Querier // embedded to panic on unimplemented methods
	nudges     map[int64][]db.Nudge
	listErr    error
	lastLimit  int32
}

func (q *stubQuerier) ListNudgesByLearner(_ context.Context, p db.ListNudgesByLearnerParams) ([]db.Nudge, error) {
	q.lastLimit = p.Limit
	if q.listErr != nil {
		return nil, q.listErr
	}
	rows := q.nudges[p.LearnerID]
	if int(p.Limit) < len(rows) {
		rows = rows[:p.Limit]
	}
	return rows, nil
}

// stubLoader serves learners from a map.
type stubLoader struct {
	learners map[int64]learner.Snapshot
	err      error
}

func (l *stubLoader) LoadLearner(_ context.Context, id int64) (learner.Snapshot, db.Learner, error) {
	if l.err != nil {
		return learner.Snapshot{}, db.Learner{}, l.err
	}
	snap, ok := l.learners[id]
	if !ok {
		return learner.Snapshot{}, db.Learner{}, store.ErrLearnerNotFound
	}
	return snap, db.Learner{ID: id, Name: snap.Name}, nil
}

// stubNudger returns canned results for both entry points.
type stubNudger struct {
	resp      nudge.Response
	err       error
	events    []nudge.Event
	streamErr error

	generated []learner.Snapshot
}

func (n *stubNudger) Generate(_ context.Context, l learner.Snapshot) (nudge.Response, error) {
	n.generated = append(n.generated, l)
	return n.resp, n.err
}

func (n *stubNudger) Stream(_ context.Context, _ learner.Snapshot) (<-chan nudge.Event, error) {
	if n.streamErr != nil {
		return nil, n.streamErr
	}
	ch := make(chan nudge.Event, len(n.events))
	for _, e := range n.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

// stubWorker records enqueued learners and reports a full queue after cap.
type stubWorker struct {
	enqueued []int64
	cap      int
	err      error
}

func (w *stubWorker) Enqueue(_ context.Context, id int64) error {
	if w.err != nil {
		return w.err
	}
	if w.cap > 0 && len(w.enqueued) >= w.cap {
		return worker.ErrQueueFull
	}
	w.enqueued = append(w.enqueued, id)
	return nil
}

type stubCircuit struct{ state ai.CircuitState }

func (c stubCircuit) State() ai.CircuitState { return c.state }

// ─── HELPERS ─────────────────────────────────────────────────────────────────

var ana = learner.Snapshot{
	ID:             7,
	Name:           "Ana Lee",
	CompletionPct:  40,
	QuizAvg:        70,
	MissedSessions: 1,
	RiskLabel:      learner.RiskMedium,
}

type testDeps struct {
	q       *stubQuerier
	loader  *stubLoader
	nudger  *stubNudger
	worker  *stubWorker
	circuit *stubCircuit
	handler http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfgOverrides ...func(*api.Config)) *testDeps {
	t.Helper()

	deps := &testDeps{
		q:       &stubQuerier{nudges: map[int64][]db.Nudge{}},
		loader:  &stubLoader{learners: map[int64]learner.Snapshot{ana.ID: ana}},
		nudger:  &stubNudger{},
		worker:  &stubWorker{},
		circuit: &stubCircuit{},
	}

	cfg := api.Config{Env: "development"}
	for _, fn := range cfgOverrides {
		fn(&cfg)
	}

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "nudge_generated_total 0\n")
	})

	deps.handler = api.NewServer(deps.q, deps.loader, deps.nudger, deps.worker, deps.circuit, metricsHandler, cfg, discardLogger())
	return deps
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v (raw: %s)", err, rr.Body.String())
	}
}

func readEvents(t *testing.T, body io.Reader) []nudge.Event {
	t.Helper()
	r := sse.NewReader(body)
	var events []nudge.Event
	for {
		e, err := nudge.ReadEvent(r)
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		events = append(events, e)
	}
}

// ─── GET /healthz, /metrics ───────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "nudge_generated_total") {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}
}

// ─── POST /api/learners/:id/nudges (blocking) ─────────────────────────────────

func TestCreateNudge_ReturnsNudge(t *testing.T) {
	deps := newTestServer(t)
	deps.nudger.resp = nudge.Response{
		Text:      "Hi Ana, you're building momentum - try one more lesson today!",
		Source:    nudge.SourceAI,
		NudgeID:   101,
		LearnerID: 7,
	}

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/learners/7/nudges", nil, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	decodeJSON(t, rr, &got)
	if got["text"] != deps.nudger.resp.Text || got["source"] != "ai" || got["nudgeId"] != float64(101) || got["learnerId"] != float64(7) {
		t.Errorf("body = %v", got)
	}
	if len(deps.nudger.generated) != 1 || deps.nudger.generated[0] != ana {
		t.Errorf("generated for %v", deps.nudger.generated)
	}
}

func TestCreateNudge_RequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		setup  func(*testDeps)
		status int
	}{
		{"non-numeric id", "/api/learners/abc/nudges", nil, http.StatusBadRequest},
		{"zero id", "/api/learners/0/nudges", nil, http.StatusBadRequest},
		{"unknown learner", "/api/learners/999/nudges", nil, http.StatusNotFound},
		{"invalid learner record", "/api/learners/8/nudges", func(d *testDeps) {
			bad := ana
			bad.ID, bad.CompletionPct = 8, 140
			d.loader.learners[8] = bad
		}, http.StatusUnprocessableEntity},
		{"load failure", "/api/learners/7/nudges", func(d *testDeps) {
			d.loader.err = errors.New("connection refused")
		}, http.StatusInternalServerError},
		{"persistence failure", "/api/learners/7/nudges", func(d *testDeps) {
			d.nudger.err = &nudge.PersistenceError{LearnerID: 7, Err: errors.New("disk full")}
		}, http.StatusServiceUnavailable},
		{"gate failure", "/api/learners/7/nudges", func(d *testDeps) {
			d.nudger.err = errors.New("cooldown: redis: connection refused")
		}, http.StatusInternalServerError},
		{"timeout", "/api/learners/7/nudges", func(d *testDeps) {
			d.nudger.err = context.DeadlineExceeded
		}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestServer(t)
			if tt.setup != nil {
				tt.setup(deps)
			}
			rr := doRequest(t, deps.handler, http.MethodPost, tt.path, nil, nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if strings.Contains(rr.Body.String(), "disk full") || strings.Contains(rr.Body.String(), "connection refused") {
				t.Errorf("internal details leaked: %s", rr.Body.String())
			}
		})
	}
}

func TestCreateNudge_CooldownReturns429(t *testing.T) {
	deps := newTestServer(t)
	deps.nudger.err = &cooldown.Error{LearnerID: 7, Remaining: 12300 * time.Millisecond}

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/learners/7/nudges", nil, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "13" {
		t.Errorf("Retry-After = %q, want 13", got)
	}
	var body map[string]any
	decodeJSON(t, rr, &body)
	if body["retry_after_seconds"] != float64(13) || body["in_flight"] != false {
		t.Errorf("body = %v", body)
	}
}

// ─── POST /api/learners/:id/nudges (stream) ───────────────────────────────────

func TestCreateNudge_StreamsFrames(t *testing.T) {
	for _, tc := range []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{"accept header", "/api/learners/7/nudges", map[string]string{"Accept": "text/event-stream"}},
		{"query param", "/api/learners/7/nudges?stream=true", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			deps.nudger.events = []nudge.Event{
				{Type: nudge.EventStart, LearnerID: 7, RequestID: "req-1"},
				{Type: nudge.EventChunk, Delta: "Hi Ana, ", Text: "Hi Ana, "},
				{Type: nudge.EventComplete, Text: "Hi Ana, one more lesson today!", Source: nudge.SourceAI, NudgeID: 5, LearnerID: 7},
			}

			rr := doRequest(t, deps.handler, http.MethodPost, tc.path, nil, tc.headers)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !strings.HasPrefix(rr.Body.String(), `data: {"type":"start"`) {
				t.Errorf("body does not start with a start frame: %q", rr.Body.String())
			}

			events := readEvents(t, rr.Body)
			if len(events) != 3 {
				t.Fatalf("got %d frames, want 3", len(events))
			}
			if !events[2].Terminal() || events[2].NudgeID != 5 {
				t.Errorf("last frame = %+v", events[2])
			}
			if len(deps.nudger.generated) != 0 {
				t.Error("stream request must not use the blocking path")
			}
		})
	}
}

func TestCreateNudge_StreamFalseIsBlocking(t *testing.T) {
	deps := newTestServer(t)
	deps.nudger.resp = nudge.Response{Text: "x", Source: nudge.SourceTemplate, NudgeID: 1, LearnerID: 7}

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/learners/7/nudges?stream=false", nil,
		map[string]string{"Accept": "text/event-stream"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
}

func TestCreateNudge_StreamCooldownIsJSON(t *testing.T) {
	deps := newTestServer(t)
	deps.nudger.streamErr = &cooldown.Error{LearnerID: 7, InFlight: true}

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/learners/7/nudges?stream=true", nil, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
}

// ─── END TO END STREAM ────────────────────────────────────────────────────────

// chunkGenerator streams fixed fragments and fails the blocking path.
type chunkGenerator struct{ chunks []string }

func (g chunkGenerator) Generate(context.Context, string) (ai.Result, error) {
	return ai.Result{}, errors.New("unused")
}

func (g chunkGenerator) Stream(ctx context.Context, _ string) (<-chan ai.Delta, error) {
	out := make(chan ai.Delta)
	go func() {
		defer close(out)
		for _, c := range g.chunks {
			select {
			case out <- ai.Delta{Text: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type memorySaver struct {
	mu    sync.Mutex
	saved []store.SaveNudgeParams
}

func (s *memorySaver) SaveNudge(_ context.Context, p store.SaveNudgeParams) (db.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, p)
	return db.Nudge{ID: int64(len(s.saved)), LearnerID: p.LearnerID, Text: p.Text, Source: p.Source, Status: p.Status}, nil
}

func TestCreateNudge_StreamEndToEnd(t *testing.T) {
	saver := &memorySaver{}
	gen := chunkGenerator{chunks: []string{"Hi Ana, ", "one more lesson ", "today keeps you moving!"}}
	orch := nudge.NewOrchestrator(gen, saver, cooldown.NewMemory(cooldown.DefaultWindow), nil, discardLogger())
	loader := &stubLoader{learners: map[int64]learner.Snapshot{ana.ID: ana}}

	handler := api.NewServer(&stubQuerier{}, loader, orch, &stubWorker{}, &stubCircuit{}, nil, api.Config{}, discardLogger())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/learners/7/nudges", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(t, resp.Body)
	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	if got := strings.Join(types, ","); got != "start,chunk,chunk,chunk,complete" {
		t.Fatalf("frames = %s", got)
	}
	last := events[len(events)-1]
	if last.Text != "Hi Ana, one more lesson today keeps you moving!" || last.Source != nudge.SourceAI {
		t.Errorf("complete = %+v", last)
	}
	if len(saver.saved) != 1 || saver.saved[0].Status != db.NudgeStatusSent {
		t.Errorf("saved = %+v", saver.saved)
	}

	// A second request inside the window is rejected before any frame.
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp2.StatusCode)
	}
}

// ─── GET /api/learners/:id/nudges ─────────────────────────────────────────────

func TestListNudges(t *testing.T) {
	deps := newTestServer(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	deps.q.nudges[7] = []db.Nudge{
		{ID: 3, LearnerID: 7, Text: "newest", Source: db.NudgeSourceTemplate, Status: db.NudgeStatusFallback, CreatedAt: now},
		{ID: 2, LearnerID: 7, Text: "older", Source: db.NudgeSourceAi, Status: db.NudgeStatusSent, CreatedAt: now.Add(-time.Hour)},
	}

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/learners/7/nudges?limit=1", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Nudges []struct {
			ID     int64  `json:"id"`
			Text   string `json:"text"`
			Source string `json:"source"`
			Status string `json:"status"`
		} `json:"nudges"`
	}
	decodeJSON(t, rr, &body)
	if len(body.Nudges) != 1 || body.Nudges[0].ID != 3 || body.Nudges[0].Status != "fallback" {
		t.Errorf("nudges = %+v", body.Nudges)
	}
}

func TestListNudges_Limits(t *testing.T) {
	deps := newTestServer(t)

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/learners/7/nudges", nil, nil)
	if rr.Code != http.StatusOK || deps.q.lastLimit != 20 {
		t.Errorf("default: status %d, limit %d", rr.Code, deps.q.lastLimit)
	}
	if !strings.Contains(rr.Body.String(), `"nudges":[]`) {
		t.Errorf("empty history should be [], got %s", rr.Body.String())
	}

	doRequest(t, deps.handler, http.MethodGet, "/api/learners/7/nudges?limit=5000", nil, nil)
	if deps.q.lastLimit != 100 {
		t.Errorf("limit not clamped: %d", deps.q.lastLimit)
	}

	rr = doRequest(t, deps.handler, http.MethodGet, "/api/learners/7/nudges?limit=-1", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", rr.Code)
	}
}

func TestListNudges_QueryError(t *testing.T) {
	deps := newTestServer(t)
	deps.q.listErr = errors.New("relation does not exist")

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/learners/7/nudges", nil, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

// ─── POST /api/nudges/batch ───────────────────────────────────────────────────

func TestBatchNudges_EnqueuesUniqueIDs(t *testing.T) {
	deps := newTestServer(t)
	deps.worker.cap = 2

	rr := doRequest(t, deps.handler, http.MethodPost, "/api/nudges/batch",
		map[string]any{"learner_ids": []int64{4, 5, 4, 6}}, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Accepted []int64 `json:"accepted"`
		Rejected []int64 `json:"rejected"`
	}
	decodeJSON(t, rr, &body)
	if len(body.Accepted) != 2 || body.Accepted[0] != 4 || body.Accepted[1] != 5 {
		t.Errorf("accepted = %v", body.Accepted)
	}
	if len(body.Rejected) != 1 || body.Rejected[0] != 6 {
		t.Errorf("rejected = %v", body.Rejected)
	}
}

func TestBatchNudges_BadRequests(t *testing.T) {
	tooMany := make([]int64, 101)
	for i := range tooMany {
		tooMany[i] = int64(i + 1)
	}

	tests := []struct {
		name string
		body any
	}{
		{"empty", map[string]any{"learner_ids": []int64{}}},
		{"too many", map[string]any{"learner_ids": tooMany}},
		{"negative id", map[string]any{"learner_ids": []int64{3, -1}}},
		{"unknown field", map[string]any{"learner_ids": []int64{3}, "priority": "high"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestServer(t)
			rr := doRequest(t, deps.handler, http.MethodPost, "/api/nudges/batch", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if len(deps.worker.enqueued) != 0 {
				t.Errorf("enqueued %v on a bad request", deps.worker.enqueued)
			}
		})
	}
}

// ─── GET /api/ai/status ───────────────────────────────────────────────────────

func TestAIStatus(t *testing.T) {
	deps := newTestServer(t)

	rr := doRequest(t, deps.handler, http.MethodGet, "/api/ai/status", nil, nil)
	var closed map[string]any
	decodeJSON(t, rr, &closed)
	if closed["open"] != false {
		t.Errorf("closed breaker reported %v", closed)
	}
	if _, ok := closed["open_until"]; ok {
		t.Error("open_until should be omitted while closed")
	}

	deps.circuit.state = ai.CircuitState{ConsecutiveFailures: 3, OpenUntil: time.Now().Add(20 * time.Second)}
	rr = doRequest(t, deps.handler, http.MethodGet, "/api/ai/status", nil, nil)
	var open map[string]any
	decodeJSON(t, rr, &open)
	if open["open"] != true || open["consecutive_failures"] != float64(3) || open["open_until"] == nil {
		t.Errorf("open breaker reported %v", open)
	}
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

func TestCORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		deps := newTestServer(t)
		rr := doRequest(t, deps.handler, http.MethodOptions, "/api/learners/7/nudges", nil,
			map[string]string{"Origin": "http://localhost:3000"})
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Errorf("origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Expose-Headers"), "Retry-After") {
			t.Error("Retry-After must be exposed to the dashboard")
		}
	})

	t.Run("production pins the origin", func(t *testing.T) {
		deps := newTestServer(t, func(c *api.Config) {
			c.Env = "production"
			c.AllowedOrigin = "https://coach.example.com"
		})
		rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil,
			map[string]string{"Origin": "https://evil.example.com"})
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://coach.example.com" {
			t.Errorf("origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})
}
