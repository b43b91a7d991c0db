package helix

import (
	"context"
	"strings"

	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// Range selects items [Start, End) of a pending result set.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type connPayload struct {
	ConnectionID string `json:"connection_id"`
}

type stepPayload struct {
	ConnectionID string         `json:"connection_id"`
	Data         map[string]any `json:"data"`
}

type collectPayload struct {
	ConnectionID string `json:"connection_id"`
	Drop         bool   `json:"drop"`
	Range        *Range `json:"range,omitempty"`
}

// Init opens a backend traversal connection and returns its id.
func Init(ctx context.Context, b Backend) (string, error) {
	res, err := b.Execute(ctx, "mcp/init", map[string]any{})
	if err != nil {
		return "", err
	}

	switch v := res.Value.(type) {
	case string:
		if id := strings.TrimSpace(v); id != "" {
			return id, nil
		}
	case map[string]any:
		if id, ok := v["connection_id"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", apperrors.New(apperrors.CodeBackendInvalidResponse, "backend init returned no connection id",
		apperrors.FieldQuery("mcp/init"))
}

// Step runs one traversal endpoint; data carries the endpoint arguments.
func Step(ctx context.Context, b Backend, query, connectionID string, data map[string]any) (*Result, error) {
	if data == nil {
		data = map[string]any{}
	}
	return b.Execute(ctx, query, stepPayload{ConnectionID: connectionID, Data: data})
}

// Next pops the next item of the pending result set. Popping advances the
// backend cursor, so a lost reply is not retried.
func Next(ctx context.Context, b Backend, connectionID string) (*Result, error) {
	return b.Execute(ctx, "mcp/next", connPayload{ConnectionID: connectionID})
}

// Collect reads a slice of the pending result set. A ranged read leaves the
// cursor untouched and is retried on transient failures. With drop the
// backend discards the pending state afterwards, and the call is sent once.
func Collect(ctx context.Context, b Backend, connectionID string, rng *Range, drop bool) (*Result, error) {
	payload := collectPayload{ConnectionID: connectionID, Drop: drop, Range: rng}
	if drop {
		return b.Execute(ctx, "mcp/collect", payload)
	}
	return b.ExecuteRead(ctx, "mcp/collect", payload)
}

// Reset clears the traversal state of a connection.
func Reset(ctx context.Context, b Backend, connectionID string) error {
	_, err := b.Execute(ctx, "mcp/reset", connPayload{ConnectionID: connectionID})
	return err
}

// SchemaResource fetches the graph schema visible to a connection.
func SchemaResource(ctx context.Context, b Backend, connectionID string) (*Result, error) {
	return b.ExecuteRead(ctx, "mcp/schema_resource", connPayload{ConnectionID: connectionID})
}
