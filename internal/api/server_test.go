package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/delivery"
	"github.com/sells-group/strategyd/internal/intake"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type nopLauncher struct {
	mu    sync.Mutex
	count int
}

func (l *nopLauncher) Launch(context.Context, *model.Snapshot, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	return nil
}

type fakeReporter struct {
	got  calllog.PerfFilter
	perf []calllog.Perf
	err  error
}

func (r *fakeReporter) Performance(_ context.Context, f calllog.PerfFilter) ([]calllog.Perf, error) {
	r.got = f
	return r.perf, r.err
}

type fakeHealth struct {
	err error
}

func (h fakeHealth) Ping(context.Context) error { return h.err }
func (h fakeHealth) Stats() db.Stats            { return db.Stats{TotalConns: 3, MaxConns: 10} }

type env struct {
	store    *store.MemoryStore
	launcher *nopLauncher
	calls    *fakeReporter
	handler  http.Handler
}

func newEnv(t *testing.T, fallback time.Duration) *env {
	t.Helper()
	st := store.NewMemory()
	l := &nopLauncher{}
	calls := &fakeReporter{}
	h := NewRouter(Deps{
		Intake: intake.New(st, l),
		Hub:    delivery.NewHub(st, fallback),
		Calls:  calls,
		Health: fakeHealth{},
	})
	return &env{store: st, launcher: l, calls: calls, handler: h}
}

func (e *env) seed(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.CreateSnapshot(context.Background(), &model.Snapshot{
		ID:        id,
		Lat:       33.4484,
		Lng:       -112.0740,
		Timezone:  "America/Phoenix",
		LocalTime: time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC),
	}))
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestSubmit_Accepted(t *testing.T) {
	e := newEnv(t, time.Minute)
	e.seed(t, "snap-1")

	rr := e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "snap-1"})
	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "snap-1", resp["snapshot_id"])
	assert.Equal(t, "starting", resp["phase"])

	// Repeat submissions answer from the existing row.
	rr = e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "snap-1"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, e.launcher.count)
}

func TestSubmit_UnknownSnapshot(t *testing.T) {
	e := newEnv(t, time.Minute)
	rr := e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "snapshot not found")
}

func TestSubmit_BadRequest(t *testing.T) {
	e := newEnv(t, time.Minute)

	rr := e.do(http.MethodPost, "/api/strategy", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "snapshot_id is required")

	req := httptest.NewRequest(http.MethodPost, "/api/strategy", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSnapshot(t *testing.T) {
	e := newEnv(t, time.Minute)

	rr := e.do(http.MethodPost, "/api/snapshots", map[string]any{
		"lat":        36.1699,
		"lng":        -115.1398,
		"timezone":   "America/Los_Angeles",
		"local_time": "2026-07-04T21:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.NotEmpty(t, snap.ID)
	assert.NotEmpty(t, snap.DayOfWeek)

	rr = e.do(http.MethodPost, "/api/snapshots", map[string]any{"lat": 120, "lng": 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "lat must be between")
}

func TestStatus(t *testing.T) {
	e := newEnv(t, time.Minute)
	e.seed(t, "snap-1")

	rr := e.do(http.MethodGet, "/api/strategy/snap-1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "snap-1"})
	rr = e.do(http.MethodGet, "/api/strategy/snap-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var view struct {
		Strategy struct {
			SnapshotID string `json:"snapshot_id"`
			Phase      string `json:"phase"`
		} `json:"strategy"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, "snap-1", view.Strategy.SnapshotID)
	assert.Equal(t, "starting", view.Strategy.Phase)
}

func TestRetry(t *testing.T) {
	e := newEnv(t, time.Minute)
	e.seed(t, "snap-1")

	rr := e.do(http.MethodPost, "/api/strategy/snap-1/retry", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEqual(t, "snap-1", resp["snapshot_id"])
	assert.Equal(t, "queued", resp["status"])

	rr = e.do(http.MethodPost, "/api/strategy/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEvents_CompletedStrategy(t *testing.T) {
	e := newEnv(t, time.Minute)
	e.seed(t, "snap-1")
	e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "snap-1"})
	e.store.Update("snap-1", func(st *model.Strategy) {
		st.Phase = model.PhaseComplete
		st.Status = model.StatusComplete
	})

	rr := e.do(http.MethodGet, "/api/strategy/snap-1/events", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.Contains(t, body, "event: complete\n")
	assert.Contains(t, body, `"snapshot_id":"snap-1"`)
	assert.Contains(t, body, `"status":"complete"`)
}

func TestEvents_TimeoutAfterFallback(t *testing.T) {
	e := newEnv(t, 20*time.Millisecond)
	e.seed(t, "snap-1")
	e.do(http.MethodPost, "/api/strategy", map[string]string{"snapshot_id": "snap-1"})

	rr := e.do(http.MethodGet, "/api/strategy/snap-1/events", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "event: timeout\n")
	assert.Contains(t, body, `"status":"pending"`)
	assert.NotContains(t, body, "event: complete")
}

func TestEvents_ClientGone(t *testing.T) {
	e := newEnv(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/strategy/snap-1/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		e.handler.ServeHTTP(rr, req)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
}

func TestPerformance(t *testing.T) {
	e := newEnv(t, time.Minute)
	e.calls.perf = []calllog.Perf{{Stage: "strategist", Calls: 10, SuccessRate: 0.9}}

	rr := e.do(http.MethodGet, "/api/strategy/performance?stage=strategist&hours=6", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "strategist", e.calls.got.Stage)
	assert.Equal(t, 6*time.Hour, e.calls.got.Window)

	var perf []calllog.Perf
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &perf))
	require.Len(t, perf, 1)
	assert.Equal(t, 10, perf[0].Calls)

	rr = e.do(http.MethodGet, "/api/strategy/performance?hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	e.calls.err = errors.New("disk I/O error")
	rr = e.do(http.MethodGet, "/api/strategy/performance", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 24*time.Hour, e.calls.got.Window)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, time.Minute)
	rr := e.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
	assert.Contains(t, rr.Body.String(), `"max_conns":10`)

	h := NewRouter(Deps{Health: fakeHealth{err: errors.New("connection refused")}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_CircuitStates(t *testing.T) {
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1})
	_ = breakers.Get("anthropic").Execute(context.Background(), func(context.Context) error {
		return errors.New("anthropic: 500")
	})
	breakers.Get("perplexity")

	h := NewRouter(Deps{Breakers: breakers})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Status   string            `json:"status"`
		Circuits map[string]string `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"anthropic": "open", "perplexity": "closed"}, body.Circuits)
}

func TestCORS(t *testing.T) {
	h := NewRouter(Deps{CORSOrigins: []string{"https://app.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/strategy", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
