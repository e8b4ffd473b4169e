package web

import (
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

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/config"
	"github.com/locai-labs/wagateway/internal/events"
	"github.com/locai-labs/wagateway/internal/logging"
	"github.com/locai-labs/wagateway/internal/pairing"
	"github.com/locai-labs/wagateway/internal/session"
	"github.com/locai-labs/wagateway/internal/store"
	"github.com/locai-labs/wagateway/internal/upstream"
	"github.com/locai-labs/wagateway/internal/webhook"
)

// ---------------------------------------------------------------------------
// Mock: SessionRegistry
// ---------------------------------------------------------------------------

type mockRegistry struct {
	mu          sync.Mutex
	sessions    map[string]session.Snapshot
	startErr    error
	restartErr  error
	sendResult  upstream.SendResult
	sendErr     error
	sends       []session.MessageData
	logouts     []string
	restarts    []string
	waitTimeout time.Duration
	panicStatus bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{sessions: make(map[string]session.Snapshot)}
}

func (m *mockRegistry) put(snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snap.TenantID] = snap
}

func (m *mockRegistry) Start(tenantID string) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return session.Snapshot{}, m.startErr
	}
	if snap, ok := m.sessions[tenantID]; ok {
		return snap, nil
	}
	snap := session.Snapshot{TenantID: tenantID, SessionID: tenantID + "_1700000000000", Status: session.StatusConnecting}
	m.sessions[tenantID] = snap
	return snap, nil
}

func (m *mockRegistry) Status(tenantID string) (session.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicStatus {
		panic("status exploded")
	}
	snap, ok := m.sessions[tenantID]
	return snap, ok
}

func (m *mockRegistry) WaitReady(ctx context.Context, tenantID string, timeout time.Duration) (session.Snapshot, bool) {
	m.mu.Lock()
	m.waitTimeout = timeout
	m.mu.Unlock()
	return m.Status(tenantID)
}

func (m *mockRegistry) List() []session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Snapshot, 0, len(m.sessions))
	for _, snap := range m.sessions {
		out = append(out, snap)
	}
	return out
}

func (m *mockRegistry) Count() (total, connected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range m.sessions {
		total++
		if snap.Status == session.StatusConnected {
			connected++
		}
	}
	return total, connected
}

func (m *mockRegistry) Send(_ context.Context, tenantID string, data session.MessageData) (upstream.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return upstream.SendResult{}, m.sendErr
	}
	m.sends = append(m.sends, data)
	res := m.sendResult
	if res.MessageID == "" {
		res.MessageID = "msg-1"
	}
	return res, nil
}

func (m *mockRegistry) Logout(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[tenantID]; !ok {
		return session.ErrSessionNotFound
	}
	delete(m.sessions, tenantID)
	m.logouts = append(m.logouts, tenantID)
	return nil
}

func (m *mockRegistry) Restart(_ context.Context, tenantID string) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restartErr != nil {
		return session.Snapshot{}, m.restartErr
	}
	m.restarts = append(m.restarts, tenantID)
	snap := session.Snapshot{TenantID: tenantID, SessionID: tenantID + "_1700000099000", Status: session.StatusConnecting}
	m.sessions[tenantID] = snap
	return snap, nil
}

func (m *mockRegistry) sentData() []session.MessageData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.MessageData(nil), m.sends...)
}

// ---------------------------------------------------------------------------
// Mock: PairingService
// ---------------------------------------------------------------------------

type mockPairing struct {
	mu       sync.Mutex
	artifact []byte
	startErr error
	info     pairing.Info
	tracked  bool
	starts   []string
	stops    []string
}

func (m *mockPairing) Start(_ context.Context, tenantID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, tenantID)
	return m.artifact, m.startErr
}

func (m *mockPairing) Current(string) (pairing.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.tracked
}

func (m *mockPairing) Stop(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, tenantID)
}

func (m *mockPairing) startCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

// ---------------------------------------------------------------------------
// Mock: WebhookManager
// ---------------------------------------------------------------------------

type mockWebhooks struct {
	mu          sync.Mutex
	sinks       []webhook.Sink
	registerErr error
	deleteErr   error
	testErr     error
	testResult  webhook.TestResult
	stats       webhook.Stats
	hasStats    bool
	deleted     []string
}

func (m *mockWebhooks) Register(tenantID, rawURL, secret string, eventTypes []string) (webhook.Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return webhook.Sink{}, m.registerErr
	}
	sink := webhook.Sink{
		ID:        "wh-1",
		TenantID:  tenantID,
		URL:       rawURL,
		Secret:    secret,
		HasSecret: secret != "",
		Events:    eventTypes,
		Active:    true,
	}
	if len(sink.Events) == 0 {
		sink.Events = []string{webhook.SubMessage, webhook.SubStatus}
	}
	m.sinks = []webhook.Sink{sink}
	return sink, nil
}

func (m *mockWebhooks) List(string) []webhook.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhook.Sink(nil), m.sinks...)
}

func (m *mockWebhooks) Delete(tenantID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, sinkID)
	return nil
}

func (m *mockWebhooks) Test(_ context.Context, tenantID, sinkID string) (webhook.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.testResult, m.testErr
}

func (m *mockWebhooks) Stats(string) (webhook.Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, m.hasStats
}

func (m *mockWebhooks) SinkCount() (total, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sinks {
		total++
		if s.Active {
			active++
		}
	}
	return total, active
}

// ---------------------------------------------------------------------------
// Mock: EventLogger
// ---------------------------------------------------------------------------

type memEventLog struct {
	mu      sync.Mutex
	entries []store.LogEntry
	listErr error
}

func (m *memEventLog) AppendLog(entry store.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memEventLog) ListLogs(limit int) ([]store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.entries) > limit {
		return append([]store.LogEntry(nil), m.entries[:limit]...), nil
	}
	return append([]store.LogEntry(nil), m.entries...), nil
}

func (m *memEventLog) ListLogsByTenant(tenantID string, limit int) ([]store.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LogEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEventLog) typesLogged() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Test server plumbing
// ---------------------------------------------------------------------------

type testServer struct {
	srv      *Server
	registry *mockRegistry
	pairSvc  *mockPairing
	hooks    *mockWebhooks
	log      *memEventLog
	bus      *events.Bus
	cfg      *config.Config
}

func quietLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// newTestServer builds a server with auth disabled and mock components. The
// verifier can be swapped before issuing requests for auth-specific tests.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		registry: newMockRegistry(),
		pairSvc:  &mockPairing{},
		hooks:    &mockWebhooks{},
		log:      &memEventLog{},
		bus:      events.New(),
		cfg: &config.Config{
			Env:            "test",
			BaseURL:        "http://localhost:3000",
			AllowedOrigins: []string{"*"},
			MaxFileSize:    10 << 20,
			UploadDir:      t.TempDir(),
			SessionDir:     t.TempDir(),
			CacheTTL:       300 * time.Second,
		},
	}
	ts.srv = NewServer(Dependencies{
		Sessions:  ts.registry,
		Pairing:   ts.pairSvc,
		Webhooks:  ts.hooks,
		EventBus:  ts.bus,
		EventLog:  ts.log,
		Verifier:  &auth.Verifier{Require: false},
		Config:    ts.cfg,
		Clock:     clock.Real{},
		Log:       quietLogger(),
		Version:   "test",
		StartedAt: time.Now(),
	})
	return ts
}

func (ts *testServer) do(method, path string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	ts.srv.Handler().ServeHTTP(w, r)
	return w
}

func (ts *testServer) doAuth(method, path string, body io.Reader, set func(*http.Request)) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, body)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if set != nil {
		set(r)
	}
	ts.srv.Handler().ServeHTTP(w, r)
	return w
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var env apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v\nbody: %s", err, w.Body.String())
	}
	return env
}

func dataMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	env := decodeEnvelope(t, w)
	var m map[string]any
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode data: %v\ndata: %s", err, env.Data)
	}
	return m
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, want, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDGenerated(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/health", nil)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}
}

func TestRequestIDHonoursCaller(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doAuth(http.MethodGet, "/health", nil, func(r *http.Request) {
		r.Header.Set("X-Request-ID", "req-42")
	})

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/api/v1/nope", nil)

	wantStatus(t, w, http.StatusNotFound)
	env := decodeEnvelope(t, w)
	if env.Success || env.Error != errNotFound {
		t.Errorf("envelope = %+v, want NOT_FOUND failure", env)
	}
	if env.Timestamp == 0 {
		t.Error("envelope timestamp missing")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doAuth(http.MethodOptions, "/api/v1/sessions/t-1/status", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.com")
		r.Header.Set("Access-Control-Request-Method", "GET")
	})

	wantStatus(t, w, http.StatusNoContent)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Errorf("Allow-Headers = %q, want Authorization included", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestCORSOriginDenied(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.AllowedOrigins = []string{"https://allowed.example.com"}

	w := ts.doAuth(http.MethodGet, "/health", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://evil.example.com")
	})

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty for denied origin", got)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Limiter = auth.NewRateLimiter(clock.Real{}, time.Minute, 1)
	ts.registry.put(session.Snapshot{TenantID: "t-1", Status: session.StatusConnected})

	w := ts.do(http.MethodGet, "/api/v1/sessions/t-1/status", nil)
	wantStatus(t, w, http.StatusOK)

	w = ts.do(http.MethodGet, "/api/v1/sessions/t-1/status", nil)
	wantStatus(t, w, http.StatusTooManyRequests)
	if env := decodeEnvelope(t, w); env.Error != errRateLimit {
		t.Errorf("error = %q, want %q", env.Error, errRateLimit)
	}
}

func TestRateLimitSkipsHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Limiter = auth.NewRateLimiter(clock.Real{}, time.Minute, 1)

	for i := 0; i < 5; i++ {
		if w := ts.do(http.MethodGet, "/health", nil); w.Code != http.StatusOK {
			t.Fatalf("health request %d: status %d", i+1, w.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Verifier = &auth.Verifier{APIKey: "operator-key-123456", JWTSecret: "secret", Require: true}

	w := ts.do(http.MethodGet, "/api/v1/sessions/t-1/status", nil)
	wantStatus(t, w, http.StatusUnauthorized)
	if env := decodeEnvelope(t, w); env.Error != errUnauthorized {
		t.Errorf("error = %q, want %q", env.Error, errUnauthorized)
	}
}

func TestAuthHealthStaysPublic(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Verifier = &auth.Verifier{APIKey: "operator-key-123456", JWTSecret: "secret", Require: true}

	w := ts.do(http.MethodGet, "/health", nil)
	wantStatus(t, w, http.StatusOK)
}

func TestAuthTenantMismatch(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Verifier = &auth.Verifier{JWTSecret: "unit-test-secret", Require: true}
	ts.registry.put(session.Snapshot{TenantID: "t-2", Status: session.StatusConnected})

	token, err := auth.IssueTenantToken("unit-test-secret", "t-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	w := ts.doAuth(http.MethodGet, "/api/v1/sessions/t-2/status", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	wantStatus(t, w, http.StatusForbidden)
	if env := decodeEnvelope(t, w); env.Error != errForbidden {
		t.Errorf("error = %q, want %q", env.Error, errForbidden)
	}
}

func TestAuthTenantTokenAllowsOwnTenant(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Verifier = &auth.Verifier{JWTSecret: "unit-test-secret", Require: true}
	ts.registry.put(session.Snapshot{TenantID: "t-1", Status: session.StatusConnected})

	token, err := auth.IssueTenantToken("unit-test-secret", "t-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	w := ts.doAuth(http.MethodGet, "/api/v1/sessions/t-1/status", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	wantStatus(t, w, http.StatusOK)
}

func TestPanicRecovery(t *testing.T) {
	ts := newTestServer(t)
	ts.registry.put(session.Snapshot{TenantID: "t-1", Status: session.StatusConnected})
	ts.registry.panicStatus = true

	w := ts.do(http.MethodGet, "/api/v1/sessions/t-1/status", nil)
	wantStatus(t, w, http.StatusInternalServerError)
	if env := decodeEnvelope(t, w); env.Error != errInternal {
		t.Errorf("error = %q, want %q", env.Error, errInternal)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/metrics", nil)

	wantStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing standard collectors")
	}
}

var errBoom = errors.New("boom")
