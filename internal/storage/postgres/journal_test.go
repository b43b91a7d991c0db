package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/storage"
	"github.com/scrypster/helixmcp/internal/storage/postgres"
)

// postgresTestDSN returns the DSN for the test database.
// If HELIX_MCP_TEST_PG_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("HELIX_MCP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("HELIX_MCP_TEST_PG_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestJournal(t *testing.T) *postgres.Journal {
	t.Helper()

	j, err := postgres.Open(postgresTestDSN(t), nil)
	require.NoError(t, err, "Open should succeed")
	require.NoError(t, j.TruncateForTest(context.Background()))
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_Lifecycle(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	e := &storage.JournalEntry{
		Kind: "service", RecordID: "SRV_1", EmbeddingID: "service_SRV_1_emb_eeeeeeeeeeee",
		Text: "Service Name: Descaling", Attempts: 4, Error: "link failed",
		Vector: []float32{1, 2, 3},
	}
	require.NoError(t, j.Record(ctx, e))
	require.NotZero(t, e.ID)

	pending, err := j.ListPending(ctx, storage.ListOptions{Kind: "service"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "SRV_1", pending[0].RecordID)
	assert.Equal(t, 4, pending[0].Attempts)

	require.NoError(t, j.MarkRepaired(ctx, e.ID, time.Now()))
	pending, err = j.ListPending(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, j.MarkRepaired(ctx, e.ID, time.Now()), storage.ErrNotFound)
}
