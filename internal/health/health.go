// Package health provides the agent's HTTP health endpoint.
//
// GET /health returns a JSON summary: status, agent id, mode, active session
// count, and uptime in seconds. The handler is cheap enough for aggressive
// polling by orchestrators and the gateway alike.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the /health response body.
type Status struct {
	Status         string `json:"status"`
	AgentID        string `json:"agent_id"`
	Mode           string `json:"mode"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime_s"`
}

// Handler serves GET /health. Safe for concurrent use.
type Handler struct {
	agentID   string
	mode      string
	startedAt time.Time
	sessions  func() int
}

// New creates a Handler. sessions reports the current live session count.
func New(agentID, mode string, sessions func() int) *Handler {
	return &Handler{
		agentID:   agentID,
		mode:      mode,
		startedAt: time.Now(),
		sessions:  sessions,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body := Status{
		Status:         "ok",
		AgentID:        h.agentID,
		Mode:           h.mode,
		ActiveSessions: h.sessions(),
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// Uptime returns the time elapsed since the handler was created. The runtime
// reuses it for gateway heartbeats.
func (h *Handler) Uptime() time.Duration {
	return time.Since(h.startedAt)
}
