package web

import (
	"io/fs"
	"math"
	"net/http"
	"path/filepath"
	"runtime"
)

// apiHealth reports overall gateway health. Unlike the API routes this
// responds with the health object directly so load balancer probes do not
// have to unwrap the envelope.
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	total, connected := s.deps.Sessions.Count()
	services := map[string]any{
		"sessions": map[string]any{"status": "up", "total": total, "connected": connected},
	}

	if s.deps.Webhooks != nil {
		sinksTotal, sinksActive := s.deps.Webhooks.SinkCount()
		services["webhooks"] = map[string]any{"status": "up", "sinks": sinksTotal, "active": sinksActive}
	}

	storeStatus := "up"
	if s.deps.EventLog != nil {
		if _, err := s.deps.EventLog.ListLogs(1); err != nil {
			storeStatus = "down"
			status = "degraded"
		}
	}
	services["store"] = map[string]any{"status": storeStatus}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"services":    services,
		"system":      s.systemStats(),
		"uptime":      int64(s.deps.Clock.Since(s.deps.StartedAt).Seconds()),
		"version":     s.deps.Version,
		"environment": s.deps.Config.Env,
		"timestamp":   s.deps.Clock.Now().UnixMilli(),
	})
}

func (s *Server) systemStats() map[string]any {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapPercent := 0.0
	if ms.HeapSys > 0 {
		heapPercent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	return map[string]any{
		"memory": map[string]any{
			"heapAllocMB": mb(ms.HeapAlloc),
			"heapSysMB":   mb(ms.HeapSys),
			"percentUsed": round1(heapPercent),
		},
		"cpu": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"cores":      runtime.NumCPU(),
		},
		"disk": map[string]any{
			"sessionDirMB": mb(uint64(dirSize(s.deps.Config.SessionDir))),
			"uploadDirMB":  mb(uint64(dirSize(s.deps.Config.UploadDir))),
		},
	}
}

func mb(b uint64) float64 { return round1(float64(b) / (1 << 20)) }

func round1(f float64) float64 { return math.Round(f*10) / 10 }

// dirSize sums regular file sizes under root. Errors count as empty; health
// reporting must not fail because a directory is missing.
func dirSize(root string) int64 {
	if root == "" {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
