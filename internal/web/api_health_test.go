package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/events"
	"github.com/locai-labs/wagateway/internal/session"
	"github.com/locai-labs/wagateway/internal/store"
)

func TestHealthHealthy(t *testing.T) {
	ts := newTestServer(t)
	ts.registry.put(session.Snapshot{TenantID: "t-1", Status: session.StatusConnected})

	w := ts.do(http.MethodGet, "/health", nil)

	wantStatus(t, w, http.StatusOK)
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, enveloped := body["success"]; enveloped {
		t.Error("health response must not use the API envelope")
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if body["version"] != "test" || body["environment"] != "test" {
		t.Errorf("version/environment = %v/%v", body["version"], body["environment"])
	}

	services := body["services"].(map[string]any)
	sessions := services["sessions"].(map[string]any)
	if sessions["status"] != "up" || sessions["connected"] != float64(1) {
		t.Errorf("sessions service = %v", sessions)
	}
	if services["store"].(map[string]any)["status"] != "up" {
		t.Errorf("store service = %v", services["store"])
	}

	system := body["system"].(map[string]any)
	for _, key := range []string{"memory", "cpu", "disk"} {
		if _, ok := system[key]; !ok {
			t.Errorf("system stats missing %s", key)
		}
	}
}

func TestHealthDegradedStore(t *testing.T) {
	ts := newTestServer(t)
	ts.log.listErr = errBoom

	w := ts.do(http.MethodGet, "/health", nil)

	wantStatus(t, w, http.StatusServiceUnavailable)
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
	services := body["services"].(map[string]any)
	if services["store"].(map[string]any)["status"] != "down" {
		t.Errorf("store service = %v", services["store"])
	}
}

func TestLogsListing(t *testing.T) {
	ts := newTestServer(t)
	ts.log.AppendLog(store.LogEntry{Timestamp: time.Now(), Type: "session_start", TenantID: "t-1", Message: "started"})
	ts.log.AppendLog(store.LogEntry{Timestamp: time.Now(), Type: "webhook_register", TenantID: "t-2", Message: "registered"})

	w := ts.do(http.MethodGet, "/api/v1/logs", nil)

	wantStatus(t, w, http.StatusOK)
	data := dataMap(t, w)
	if data["count"] != float64(2) {
		t.Errorf("count = %v", data["count"])
	}
}

func TestLogsTenantFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.log.AppendLog(store.LogEntry{Timestamp: time.Now(), Type: "session_start", TenantID: "t-1"})
	ts.log.AppendLog(store.LogEntry{Timestamp: time.Now(), Type: "session_start", TenantID: "t-2"})

	w := ts.do(http.MethodGet, "/api/v1/logs?tenantId=t-2", nil)

	wantStatus(t, w, http.StatusOK)
	data := dataMap(t, w)
	if data["count"] != float64(1) {
		t.Errorf("count = %v", data["count"])
	}
	logs := data["logs"].([]any)
	if logs[0].(map[string]any)["tenant_id"] != "t-2" {
		t.Errorf("logs = %v", logs)
	}
}

func TestLogsLimitValidation(t *testing.T) {
	ts := newTestServer(t)
	for _, v := range []string{"0", "-3", "abc"} {
		w := ts.do(http.MethodGet, "/api/v1/logs?limit="+v, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%q: status = %d, want 400", v, w.Code)
		}
	}
}

func TestLogsRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.deps.Verifier = &auth.Verifier{JWTSecret: "unit-test-secret", Require: true}

	token, err := auth.IssueTenantToken("unit-test-secret", "t-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	w := ts.doAuth(http.MethodGet, "/api/v1/logs", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	wantStatus(t, w, http.StatusForbidden)
}

func TestLogsStoreError(t *testing.T) {
	ts := newTestServer(t)
	ts.log.listErr = errBoom

	w := ts.do(http.MethodGet, "/api/v1/logs", nil)
	wantStatus(t, w, http.StatusInternalServerError)
}

func TestSSEStreamsEvents(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.srv.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	waitSSELine(t, reader, "event: connected")

	ts.bus.Publish(events.SSEEvent{
		Type:      events.EventSessionStatus,
		TenantID:  "t-1",
		Status:    "connected",
		Timestamp: time.Now(),
	})

	waitSSELine(t, reader, "event: session_status")
	data := waitSSEPrefix(t, reader, "data: ")
	if !strings.Contains(data, `"t-1"`) {
		t.Errorf("event data = %q, want tenant id included", data)
	}
}

// waitSSELine reads lines until one equals want. The read deadline comes from
// the test binary's overall timeout; a missing event fails there.
func waitSSELine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream closed waiting for %q: %v", want, err)
		}
		if strings.TrimRight(line, "\n") == want {
			return
		}
	}
}

func waitSSEPrefix(t *testing.T, r *bufio.Reader, prefix string) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream closed waiting for %q: %v", prefix, err)
		}
		if strings.HasPrefix(line, prefix) {
			return strings.TrimRight(strings.TrimPrefix(line, prefix), "\n")
		}
	}
}
