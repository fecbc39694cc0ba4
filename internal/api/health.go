package api

import (
	"net/http"
	"runtime"

	"github.com/pgbridge/pgbridge/internal/listener"
)

// Build-time version information, set via -ldflags:
//
//	go build -ldflags "-X api.Version=1.2.0 -X api.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// HealthResponse is the structured JSON returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"` // "ok" or "degraded"
	Clients  int                    `json:"clients"`
	Sessions []listener.SessionInfo `json:"sessions"`
}

// HandleHealthLive is a lightweight liveness probe. Always returns 200.
// Includes version and build information for operational visibility.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	})
}

// HandleHealth reports the session pool and client population. Returns 503
// when any listener session is closed and awaiting respawn; otherwise 200.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	var sessions []listener.SessionInfo
	if s.Pool != nil {
		sessions = s.Pool.Snapshot()
	}
	if sessions == nil {
		sessions = []listener.SessionInfo{}
	}

	resp := HealthResponse{Status: "ok", Sessions: sessions}
	if s.Events != nil {
		resp.Clients = s.Events.ClientCount()
	}

	status := http.StatusOK
	for _, info := range sessions {
		if info.Closed {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}
