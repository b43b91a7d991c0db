package engine

import (
	"github.com/scrypster/helixmcp/internal/consistency"
	"github.com/scrypster/helixmcp/internal/session"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// CreateResult is returned by the create tools.
type CreateResult struct {
	Status      consistency.Status `json:"status"`
	MemoryType  string             `json:"memory_type"`
	ID          string             `json:"id"`
	EmbeddingID string             `json:"embedding_id,omitempty"`
	Code        string             `json:"code,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// DeleteResult is returned by delete_memory.
type DeleteResult struct {
	Status     string `json:"status"`
	MemoryType string `json:"memory_type"`
	ID         string `json:"id"`
}

// QueryResult is returned by the query tools for a single memory type.
type QueryResult struct {
	MemoryType string           `json:"memory_type"`
	Count      int              `json:"count"`
	Results    []map[string]any `json:"results"`
}

// AllResult is returned by the query tools for memory_type "all". Results
// and Errors are keyed by the plural memory type name.
type AllResult struct {
	MemoryType string                      `json:"memory_type"`
	Count      int                         `json:"count"`
	Results    map[string][]map[string]any `json:"results"`
	Errors     map[string]ErrorBody        `json:"errors,omitempty"`
}

// SearchResult is returned by the search tools.
type SearchResult struct {
	MemoryType string           `json:"memory_type"`
	Family     string           `json:"family"`
	Count      int              `json:"count"`
	Results    []map[string]any `json:"results"`
}

// RawResult is returned by do_query. Result is the backend value as decoded.
type RawResult struct {
	Query  string `json:"query"`
	Count  int    `json:"count"`
	Result any    `json:"result"`
}

// SessionResult acknowledges init, reset and close.
type SessionResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// NextResult carries one traversal item. Done is set once the traversal is
// exhausted, in which case Item is nil.
type NextResult struct {
	SessionID string       `json:"session_id"`
	Item      session.Item `json:"item"`
	Done      bool         `json:"done"`
}

// CollectResult carries every remaining traversal item.
type CollectResult struct {
	SessionID string         `json:"session_id"`
	Count     int            `json:"count"`
	Items     []session.Item `json:"items"`
}

// ErrorBody is the client-facing form of an error.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Describe converts err into an ErrorBody. Errors without a code are
// reported as internal failures.
func Describe(err error) ErrorBody {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeInternal
	}
	body := ErrorBody{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: apperrors.IsRetryable(err),
	}
	if fields := apperrors.FieldsOf(err); len(fields) > 0 {
		body.Fields = fields
	}
	return body
}
