package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/config"
	"github.com/scrypster/helixmcp/internal/tracing"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown := tracing.Setup(context.Background(), config.TracingConfig{Enabled: false}, "helix-mcp", "test", zap.NewNop())
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := tracing.Tracer().Start(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}
