package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/web/handlers"
)

type stubBackend struct {
	err   error
	state string
}

func (s stubBackend) Ping(context.Context) error { return s.err }
func (s stubBackend) BreakerState() string       { return s.state }

type stubSessions int

func (s stubSessions) Len() int { return int(s) }

func TestHealthHandler_Healthy(t *testing.T) {
	h := handlers.NewHealthHandler(stubBackend{state: "closed"}, stubSessions(3), "1.2.3")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "closed", resp.Breaker)
	assert.Equal(t, 3, resp.Sessions)
	assert.Empty(t, resp.Error)
}

func TestHealthHandler_BackendDown(t *testing.T) {
	h := handlers.NewHealthHandler(stubBackend{err: errors.New("connection refused"), state: "open"}, nil, "dev")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unreachable", resp.Backend)
	assert.Equal(t, "open", resp.Breaker)
	assert.Contains(t, resp.Error, "connection refused")
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	h := handlers.NewHealthHandler(stubBackend{}, nil, "dev")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/health", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
