package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/creds"
	"github.com/locai-labs/wagateway/internal/pairing"
	"github.com/locai-labs/wagateway/internal/qr"
	"github.com/locai-labs/wagateway/internal/session"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 60 * time.Second
)

type startResponse struct {
	SessionID string  `json:"sessionId"`
	QRCode    *string `json:"qrCode"`
}

type statusResponse struct {
	Connected    bool    `json:"connected"`
	Status       string  `json:"status"`
	PhoneNumber  string  `json:"phoneNumber,omitempty"`
	BusinessName string  `json:"businessName,omitempty"`
	QRCode       *string `json:"qrCode"`
	SessionID    string  `json:"sessionId,omitempty"`
	LastActivity int64   `json:"lastActivity,omitempty"` // Unix ms
}

type qrResponse struct {
	QRCode *string `json:"qrCode"`
	Status string  `json:"status"`
	HasQR  bool    `json:"hasQR"`
}

// apiStartSession creates or resumes the tenant's session. When the session
// is not yet paired the handler waits briefly for the first pairing artifact
// so most clients get the QR code in the start response itself.
func (s *Server) apiStartSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	snap, err := s.deps.Sessions.Start(tenantID)
	if err != nil {
		if errors.Is(err, creds.ErrTenantID) {
			s.writeError(w, http.StatusBadRequest, errValidation, err.Error())
			return
		}
		s.deps.Log.Error("session start failed", "tenant", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to start session")
		return
	}
	s.logEvent("session_start", tenantID, "Session start requested")

	resp := startResponse{SessionID: snap.SessionID}
	msg := "Session already connected."
	if !snap.Connected() {
		msg = "Session starting. Poll the QR endpoint to pair."
		if artifact, err := s.deps.Pairing.Start(r.Context(), tenantID); err == nil && len(artifact) > 0 {
			if dataURL, err := qr.DataURL(artifact); err == nil {
				resp.QRCode = &dataURL
				msg = "Session started. Scan the QR code to pair."
			}
		}
	}
	s.writeResult(w, http.StatusOK, resp, msg)
}

// apiSessionStatus reports the tenant's session state.
func (s *Server) apiSessionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	snap, found := s.deps.Sessions.Status(tenantID)
	if !found {
		s.writeError(w, http.StatusNotFound, errNotFound, "no session for tenant")
		return
	}
	s.writeData(w, http.StatusOK, s.statusFor(snap))
}

// statusFor renders a session snapshot for API clients, attaching the
// current pairing code while the session is waiting to be scanned.
func (s *Server) statusFor(snap session.Snapshot) statusResponse {
	resp := statusResponse{
		Connected:    snap.Connected(),
		Status:       string(snap.Status),
		PhoneNumber:  snap.PhoneNumber,
		BusinessName: snap.PushName,
		SessionID:    snap.SessionID,
	}
	if !snap.LastActivity.IsZero() {
		resp.LastActivity = snap.LastActivity.UnixMilli()
	}
	if snap.Status == session.StatusQR {
		// The pairing service may hold a fresher artifact than the snapshot
		// when the upstream has rotated codes.
		artifact := snap.Artifact
		if info, ok := s.deps.Pairing.Current(snap.TenantID); ok && info.Status == pairing.StatusAvailable && len(info.Artifact) > 0 {
			artifact = info.Artifact
		}
		if len(artifact) > 0 {
			if dataURL, err := qr.DataURL(artifact); err == nil {
				resp.QRCode = &dataURL
			}
		}
	}
	return resp
}

// apiSessionQR returns the current pairing code, if one is available.
func (s *Server) apiSessionQR(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	snap, haveSession := s.deps.Sessions.Status(tenantID)
	info, haveTracker := s.deps.Pairing.Current(tenantID)
	if !haveSession && !haveTracker {
		s.writeError(w, http.StatusNotFound, errNotFound, "no session for tenant")
		return
	}

	resp := qrResponse{Status: string(pairing.StatusGenerating)}
	switch {
	case haveTracker:
		resp.Status = string(info.Status)
		if info.Status == pairing.StatusAvailable && len(info.Artifact) > 0 {
			if dataURL, err := qr.DataURL(info.Artifact); err == nil {
				resp.QRCode = &dataURL
				resp.HasQR = true
			}
		}
	case snap.Connected():
		resp.Status = string(pairing.StatusConnected)
	}
	s.writeData(w, http.StatusOK, resp)
}

// apiPollSession blocks until the session leaves connecting or the timeout
// expires, then reports status. Timeout is capped at 60 s.
func (s *Server) apiPollSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	timeout := defaultPollTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			s.writeError(w, http.StatusBadRequest, errValidation, "timeout must be a non-negative integer (milliseconds)")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
	}

	snap, found := s.deps.Sessions.WaitReady(r.Context(), tenantID, timeout)
	if !found {
		s.writeError(w, http.StatusNotFound, errNotFound, "no session for tenant")
		return
	}
	s.writeData(w, http.StatusOK, s.statusFor(snap))
}

// apiDeleteSession logs the tenant out and removes its credentials, so the
// next start pairs from scratch.
func (s *Server) apiDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	if err := s.deps.Sessions.Logout(r.Context(), tenantID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, errNotFound, "no session for tenant")
			return
		}
		s.deps.Log.Error("session logout failed", "tenant", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to delete session")
		return
	}
	s.deps.Pairing.Stop(tenantID)
	s.logEvent("session_logout", tenantID, "Session logged out and credentials removed")
	s.writeResult(w, http.StatusOK, nil, "session deleted")
}

// apiRestartSession stops the session and starts it again after a short
// settle delay, reusing stored credentials.
func (s *Server) apiRestartSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermSessionsManage)
	if !ok {
		return
	}

	snap, err := s.deps.Sessions.Restart(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, creds.ErrTenantID) {
			s.writeError(w, http.StatusBadRequest, errValidation, err.Error())
			return
		}
		s.deps.Log.Error("session restart failed", "tenant", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to restart session")
		return
	}
	s.logEvent("session_start", tenantID, "Session restarted")
	s.writeResult(w, http.StatusOK, startResponse{SessionID: snap.SessionID}, "session restarted")
}

type activeSession struct {
	TenantID string `json:"tenantId"`
	statusResponse
}

// apiActiveSessions is the operator's listing of every session.
func (s *Server) apiActiveSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	snaps := s.deps.Sessions.List()
	sessions := make([]activeSession, 0, len(snaps))
	for _, snap := range snaps {
		sessions = append(sessions, activeSession{TenantID: snap.TenantID, statusResponse: s.statusFor(snap)})
	}
	total, connected := s.deps.Sessions.Count()
	s.writeData(w, http.StatusOK, map[string]any{
		"sessions":  sessions,
		"total":     total,
		"connected": connected,
	})
}
