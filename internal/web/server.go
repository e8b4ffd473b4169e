// Package web is the HTTP surface of the gateway: the tenant-facing REST API
// under /api/v1, the admin event stream, health and metrics, and the upload
// file server. Handlers translate between the wire envelope and the session,
// pairing and webhook components; they hold no session state of their own.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

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

// Error codes surfaced to API clients.
const (
	errValidation   = "VALIDATION_ERROR"
	errUnauthorized = "UNAUTHORIZED"
	errForbidden    = "FORBIDDEN"
	errNotFound     = "NOT_FOUND"
	errConflict     = "CONFLICT"
	errRateLimit    = "RATE_LIMIT_EXCEEDED"
	errNotConnected = "NOT_CONNECTED"
	errInternal     = "INTERNAL_ERROR"
)

// Dependencies defines what the HTTP server needs from the rest of the
// gateway.
type Dependencies struct {
	Sessions  SessionRegistry
	Pairing   PairingService
	Webhooks  WebhookManager
	EventBus  *events.Bus
	EventLog  EventLogger
	Verifier  *auth.Verifier
	Limiter   *auth.RateLimiter
	Config    *config.Config
	Clock     clock.Clock
	Log       *logging.Logger
	Version   string
	StartedAt time.Time
}

// SessionRegistry manages tenant sessions.
type SessionRegistry interface {
	Start(tenantID string) (session.Snapshot, error)
	Status(tenantID string) (session.Snapshot, bool)
	WaitReady(ctx context.Context, tenantID string, timeout time.Duration) (session.Snapshot, bool)
	List() []session.Snapshot
	Count() (total, connected int)
	Send(ctx context.Context, tenantID string, data session.MessageData) (upstream.SendResult, error)
	Logout(ctx context.Context, tenantID string) error
	Restart(ctx context.Context, tenantID string) (session.Snapshot, error)
}

// PairingService tracks pairing artifacts per tenant.
type PairingService interface {
	Start(ctx context.Context, tenantID string) ([]byte, error)
	Current(tenantID string) (pairing.Info, bool)
	Stop(tenantID string)
}

// WebhookManager owns tenant webhook sinks and their delivery stats.
type WebhookManager interface {
	Register(tenantID, rawURL, secret string, eventTypes []string) (webhook.Sink, error)
	List(tenantID string) []webhook.Sink
	Delete(tenantID, sinkID string) error
	Test(ctx context.Context, tenantID, sinkID string) (webhook.TestResult, error)
	Stats(tenantID string) (webhook.Stats, bool)
	SinkCount() (total, active int)
}

// EventLogger writes and reads activity log entries.
type EventLogger interface {
	AppendLog(entry store.LogEntry) error
	ListLogs(limit int) ([]store.LogEntry, error)
	ListLogsByTenant(tenantID string, limit int) ([]store.LogEntry, error)
}

// Server is the gateway HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the full middleware-wrapped handler. Exposed so tests can
// drive the server without a listener.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withAuth(h)
	h = s.withRateLimit(h)
	h = s.withCORS(h)
	h = s.withRecover(h)
	h = s.withRequestID(h)
	return h
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// Sessions
	s.mux.HandleFunc("POST /api/v1/sessions/{tenantId}/start", s.apiStartSession)
	s.mux.HandleFunc("GET /api/v1/sessions/{tenantId}/status", s.apiSessionStatus)
	s.mux.HandleFunc("GET /api/v1/sessions/{tenantId}/qr", s.apiSessionQR)
	s.mux.HandleFunc("GET /api/v1/sessions/{tenantId}/poll", s.apiPollSession)
	s.mux.HandleFunc("POST /api/v1/sessions/{tenantId}/restart", s.apiRestartSession)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{tenantId}", s.apiDeleteSession)
	s.mux.HandleFunc("GET /api/v1/sessions/active", s.apiActiveSessions)

	// Messages
	s.mux.HandleFunc("POST /api/v1/messages/{tenantId}/send", s.apiSendMessage)
	s.mux.HandleFunc("POST /api/v1/messages/{tenantId}/send-media", s.apiSendMedia)
	s.mux.HandleFunc("POST /api/v1/messages/{tenantId}/send-bulk", s.apiSendBulk)

	// Webhooks
	s.mux.HandleFunc("POST /api/v1/webhooks/register/{tenantId}", s.apiRegisterWebhook)
	s.mux.HandleFunc("GET /api/v1/webhooks/list/{tenantId}", s.apiListWebhooks)
	s.mux.HandleFunc("DELETE /api/v1/webhooks/{tenantId}/{webhookId}", s.apiDeleteWebhook)
	s.mux.HandleFunc("POST /api/v1/webhooks/test/{tenantId}/{webhookId}", s.apiTestWebhook)
	s.mux.HandleFunc("GET /api/v1/webhooks/stats/{tenantId}", s.apiWebhookStats)

	// Operations
	s.mux.HandleFunc("GET /health", s.apiHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/v1/events", s.apiSSE)
	s.mux.HandleFunc("GET /api/v1/logs", s.apiLogs)
	s.mux.HandleFunc("GET /uploads/{name}", s.serveUpload)

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, errNotFound, "route not found")
	})
}

// envelope is the uniform response shape of the API. Timestamp is Unix
// milliseconds.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = s.deps.Clock.Now().UnixMilli()
	writeJSON(w, status, env)
}

// writeData writes a success envelope carrying data.
func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	s.writeEnvelope(w, status, envelope{Success: true, Data: data})
}

// writeResult writes a success envelope carrying data and a human message.
func (s *Server) writeResult(w http.ResponseWriter, status int, data any, message string) {
	s.writeEnvelope(w, status, envelope{Success: true, Data: data, Message: message})
}

// writeError writes a failure envelope. code is the machine-readable error;
// message carries the human detail.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeEnvelope(w, status, envelope{Error: code, Message: message})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// tenant resolves the {tenantId} path parameter and enforces tenant access
// and the given permission. It writes the error response itself when access
// is denied.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request, p auth.Permission) (string, bool) {
	tenantID := r.PathValue("tenantId")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, errValidation, "tenant id required")
		return "", false
	}
	ac := auth.FromContext(r.Context())
	if ac == nil {
		s.writeError(w, http.StatusUnauthorized, errUnauthorized, "authentication required")
		return "", false
	}
	if !ac.AllowedTenant(tenantID) {
		s.writeError(w, http.StatusForbidden, errForbidden, "token does not grant access to this tenant")
		return "", false
	}
	if !ac.HasPermission(p) {
		s.writeError(w, http.StatusForbidden, errForbidden, "missing permission "+string(p))
		return "", false
	}
	return tenantID, true
}

// requireAdmin gates operator-only routes.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ac := auth.FromContext(r.Context())
	if ac == nil {
		s.writeError(w, http.StatusUnauthorized, errUnauthorized, "authentication required")
		return false
	}
	if !ac.Admin {
		s.writeError(w, http.StatusForbidden, errForbidden, "admin access required")
		return false
	}
	return true
}

// logEvent appends an entry to the activity log. Failures are logged and
// otherwise ignored; the triggering request already succeeded.
func (s *Server) logEvent(typ, tenantID, message string) {
	if s.deps.EventLog == nil {
		return
	}
	entry := store.LogEntry{
		Timestamp: s.deps.Clock.Now().UTC(),
		Type:      typ,
		Message:   message,
		TenantID:  tenantID,
	}
	if err := s.deps.EventLog.AppendLog(entry); err != nil {
		s.deps.Log.Warn("append activity log", "type", typ, "error", err)
	}
}
