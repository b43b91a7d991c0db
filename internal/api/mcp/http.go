package mcp

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ServeHTTP accepts one JSON-RPC request per POST body. Notifications are
// acknowledged with 202 and an empty body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxLine+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxLine {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp, err := s.HandleRequest(r.Context(), body)
	if err != nil {
		s.logger.Error("handler error", zap.Error(err))
		resp = internalErrorResponse(body, err)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
