package api

import (
	"net/http"
	"time"

	"github.com/dispatchdesk/console/internal/channel"
	"github.com/dispatchdesk/console/internal/middleware"
	"github.com/dispatchdesk/console/pkg/response"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	sessions middleware.SessionReporter
	version  string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(sessions middleware.SessionReporter, version string) *HealthHandler {
	return &HealthHandler{sessions: sessions, version: version}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version,omitempty"`

	Authenticated *bool  `json:"authenticated,omitempty"`
	Connection    string `json:"connection,omitempty"`
}

// Health returns the health status
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
	})
}

// Ready reports ready once a session is running with a live push channel.
// A logged-out agent is still ready to accept a login.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.sessions.Status()
	resp := HealthResponse{
		Status:        "ready",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Authenticated: &status.Authenticated,
		Connection:    status.Connection.String(),
	}

	if status.Authenticated && status.Connection != channel.Connected {
		resp.Status = "degraded"
		response.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	response.OK(w, resp)
}

// Live returns the liveness status
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	response.OK(w, HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
