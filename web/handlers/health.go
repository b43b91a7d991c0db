package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the backend view needed by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
	BreakerState() string
}

// SessionCounter reports live traversal sessions.
type SessionCounter interface {
	Len() int
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Backend  string `json:"backend"`
	Breaker  string `json:"breaker"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// HealthHandler probes the backend on every request.
type HealthHandler struct {
	backend  Pinger
	sessions SessionCounter
	version  string
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. sessions may be nil.
func NewHealthHandler(backend Pinger, sessions SessionCounter, version string) *HealthHandler {
	return &HealthHandler{backend: backend, sessions: sessions, version: version, timeout: 5 * time.Second}
}

// ServeHTTP answers 200 when the backend responds and 503 otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Backend: "ok",
		Breaker: h.backend.BreakerState(),
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Len()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	status := http.StatusOK
	if err := h.backend.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Backend = "unreachable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
