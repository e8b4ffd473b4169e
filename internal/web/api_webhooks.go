package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/webhook"
)

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// apiRegisterWebhook creates or replaces the tenant's webhook sink.
func (s *Server) apiRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermWebhooksManage)
	if !ok {
		return
	}

	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, errValidation, "url is required")
		return
	}

	sink, err := s.deps.Webhooks.Register(tenantID, req.URL, req.Secret, req.Events)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidURL) || errors.Is(err, webhook.ErrInvalidEvents) {
			s.writeError(w, http.StatusBadRequest, errValidation, err.Error())
			return
		}
		s.deps.Log.Error("webhook register failed", "tenant", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to register webhook")
		return
	}
	s.logEvent("webhook_register", tenantID, "Webhook registered for "+sink.URL)
	s.writeResult(w, http.StatusCreated, sink, "webhook registered")
}

// apiListWebhooks lists the tenant's sinks with secrets redacted.
func (s *Server) apiListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermWebhooksManage)
	if !ok {
		return
	}

	sinks := s.deps.Webhooks.List(tenantID)
	if sinks == nil {
		sinks = []webhook.Sink{}
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"webhooks": sinks,
		"count":    len(sinks),
	})
}

// apiDeleteWebhook removes a sink by id.
func (s *Server) apiDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermWebhooksManage)
	if !ok {
		return
	}
	webhookID := r.PathValue("webhookId")

	if err := s.deps.Webhooks.Delete(tenantID, webhookID); err != nil {
		if errors.Is(err, webhook.ErrSinkNotFound) {
			s.writeError(w, http.StatusNotFound, errNotFound, "webhook not found")
			return
		}
		s.deps.Log.Error("webhook delete failed", "tenant", tenantID, "webhook", webhookID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to delete webhook")
		return
	}
	s.logEvent("webhook_delete", tenantID, "Webhook "+webhookID+" deleted")
	s.writeResult(w, http.StatusOK, nil, "webhook deleted")
}

// apiTestWebhook fires a synthetic event at the sink and reports the result.
// The envelope succeeds even when the sink endpoint fails; data carries the
// target's outcome.
func (s *Server) apiTestWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermWebhooksManage)
	if !ok {
		return
	}
	webhookID := r.PathValue("webhookId")

	result, err := s.deps.Webhooks.Test(r.Context(), tenantID, webhookID)
	if err != nil {
		if errors.Is(err, webhook.ErrSinkNotFound) {
			s.writeError(w, http.StatusNotFound, errNotFound, "webhook not found")
			return
		}
		s.deps.Log.Error("webhook test failed", "tenant", tenantID, "webhook", webhookID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to test webhook")
		return
	}
	s.writeData(w, http.StatusOK, result)
}

// apiWebhookStats reports the tenant's delivery statistics. A tenant with no
// recorded deliveries gets zeroes, not a 404.
func (s *Server) apiWebhookStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermStatsView)
	if !ok {
		return
	}

	stats, _ := s.deps.Webhooks.Stats(tenantID)
	s.writeData(w, http.StatusOK, stats)
}
