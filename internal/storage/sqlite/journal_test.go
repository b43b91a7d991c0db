package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/storage"
	"github.com/scrypster/helixmcp/internal/storage/sqlite"
)

// newTestJournal opens a journal in a temporary directory.
func newTestJournal(t *testing.T) (*sqlite.Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "journal.db")
	j, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func TestJournal_RecordAndListPending(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	first := &storage.JournalEntry{
		Kind: "product", RecordID: "PROD_1", EmbeddingID: "product_PROD_1_emb_aaaaaaaaaaaa",
		Text: "Product Name: Grinder", Error: "backend unavailable", Attempts: 4,
		Vector: []float32{0.25, -1.5},
	}
	second := &storage.JournalEntry{
		Kind: "behavior", RecordID: "BHV_1", EmbeddingID: "behavior_BHV_1_emb_bbbbbbbbbbbb", Attempts: 4,
	}
	require.NoError(t, j.Record(ctx, first))
	require.NoError(t, j.Record(ctx, second))
	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	pending, err := j.ListPending(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "PROD_1", pending[0].RecordID)
	assert.Equal(t, []float32{0.25, -1.5}, pending[0].Vector)
	assert.Equal(t, "Product Name: Grinder", pending[0].Text)
	assert.Nil(t, pending[1].Vector)
	assert.WithinDuration(t, first.CreatedAt, pending[0].CreatedAt, time.Millisecond)

	onlyBehavior, err := j.ListPending(ctx, storage.ListOptions{Kind: "behavior"})
	require.NoError(t, err)
	require.Len(t, onlyBehavior, 1)
	assert.Equal(t, "BHV_1", onlyBehavior[0].RecordID)

	limited, err := j.ListPending(ctx, storage.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournal_MarkRepaired(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	e := &storage.JournalEntry{Kind: "event", RecordID: "EVT_1", EmbeddingID: "event_EVT_1_emb_cccccccccccc"}
	require.NoError(t, j.Record(ctx, e))

	require.NoError(t, j.MarkRepaired(ctx, e.ID, time.Now()))
	pending, err := j.ListPending(ctx, storage.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, j.MarkRepaired(ctx, e.ID, time.Now()), storage.ErrNotFound)
	assert.ErrorIs(t, j.MarkRepaired(ctx, 9999, time.Now()), storage.ErrNotFound)
}

func TestJournal_RejectsIncompleteEntries(t *testing.T) {
	j, _ := newTestJournal(t)

	err := j.Record(context.Background(), &storage.JournalEntry{Kind: "product"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestJournal_ReopenKeepsEntries(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, &storage.JournalEntry{
		Kind: "policy", RecordID: "POL_1", EmbeddingID: "policy_POL_1_emb_dddddddddddd",
	}))
	require.NoError(t, j.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.ListPending(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "POL_1", pending[0].RecordID)
}
