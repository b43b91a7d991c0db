package helixtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// NewServer exposes f over HTTP the way HelixDB does: POST /<query> with a
// JSON body. Errors map back to the status codes the client classifies.
func NewServer(f *Fake) *httptest.Server {
	return httptest.NewServer(Handler(f))
}

// Handler is the HTTP handler behind NewServer.
func Handler(f *Fake) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		query := strings.TrimPrefix(r.URL.Path, "/")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var params map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				http.Error(w, "Failed to decode request body: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		res, err := f.Execute(r.Context(), query, params)
		if err != nil {
			status := http.StatusBadRequest
			msg := err.Error()
			switch apperrors.CodeOf(err) {
			case apperrors.CodeBackendQueryNotFound:
				status = http.StatusNotFound
			case apperrors.CodeBackendDecodeFailure:
				status = http.StatusInternalServerError
				if d, ok := apperrors.FieldsOf(err)["detail"].(string); ok {
					msg = "Failed to decode request body: " + d
				}
			case apperrors.CodeBackendRecordNotFound:
				status = http.StatusInternalServerError
				msg = "Graph error: No value found"
			case apperrors.CodeBackendUnavailable:
				status = http.StatusServiceUnavailable
			}
			http.Error(w, msg, status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res.Raw)
	})
}
