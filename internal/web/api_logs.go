package web

import (
	"net/http"
	"strconv"

	"github.com/locai-labs/wagateway/internal/store"
)

// apiLogs returns recent activity log entries, newest first, optionally
// filtered to one tenant.
func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.deps.EventLog == nil {
		s.writeError(w, http.StatusServiceUnavailable, errInternal, "activity log not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, errValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	var (
		entries []store.LogEntry
		err     error
	)
	if tenantID := r.URL.Query().Get("tenantId"); tenantID != "" {
		entries, err = s.deps.EventLog.ListLogsByTenant(tenantID, limit)
	} else {
		entries, err = s.deps.EventLog.ListLogs(limit)
	}
	if err != nil {
		s.deps.Log.Error("list activity log", "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to read activity log")
		return
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}
