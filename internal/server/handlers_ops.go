package server

import (
	"net/http"
	"runtime"
	"time"
)

var startedAt = time.Now()

// healthz handles GET /healthz: a liveness probe with no dependency on
// any collaborator, so it answers even if the project index or
// supervisor are mid-initialization.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(startedAt).String(),
	})
}

// debugVars handles GET /debug/vars: a small process-level diagnostic
// snapshot, grounded on the teacher's instance-management routes
// (/path, /log, /instance/dispose) rather than any metrics exporter —
// this repo carries no metrics library (see DESIGN.md).
func (s *Server) debugVars(w http.ResponseWriter, r *http.Request) {
	processes := s.deps.Supervisor.GetAllProcesses()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":      time.Since(startedAt).String(),
		"goroutines":  runtime.NumGoroutine(),
		"processes":   len(processes),
		"numCPU":      runtime.NumCPU(),
		"go":          runtime.Version(),
	})
}
