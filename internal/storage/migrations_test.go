package storage_test

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scrypster/helixmcp/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n))
	return n == 1
}

func TestMigrationManager_UpAndDown(t *testing.T) {
	files := fstest.MapFS{
		"m/001_first.up.sql":    {Data: []byte("CREATE TABLE first (id INTEGER);")},
		"m/001_first.down.sql":  {Data: []byte("DROP TABLE first;")},
		"m/002_second.up.sql":   {Data: []byte("CREATE TABLE second (id INTEGER);")},
		"m/002_second.down.sql": {Data: []byte("DROP TABLE second;")},
		"m/README.md":           {Data: []byte("not a migration")},
		"m/notes_x.up.sql":      {Data: []byte("SELECT broken")},
	}
	db := openDB(t)

	mgr, err := storage.NewMigrationManager(db, files, "m", storage.DialectSQLite)
	require.NoError(t, err)

	_, err = mgr.Version()
	assert.ErrorIs(t, err, storage.ErrNoMigration)

	require.NoError(t, mgr.Up())
	v, err := mgr.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.True(t, tableExists(t, db, "first"))
	assert.True(t, tableExists(t, db, "second"))

	// Idempotent.
	require.NoError(t, mgr.Up())

	require.NoError(t, mgr.Down())
	assert.False(t, tableExists(t, db, "first"))
	assert.False(t, tableExists(t, db, "second"))
	_, err = mgr.Version()
	assert.ErrorIs(t, err, storage.ErrNoMigration)
}

func TestMigrationManager_MissingDirectory(t *testing.T) {
	_, err := storage.NewMigrationManager(openDB(t), fstest.MapFS{}, "nowhere", storage.DialectSQLite)
	assert.Error(t, err)

	_, err = storage.NewMigrationManager(nil, fstest.MapFS{}, "nowhere", storage.DialectSQLite)
	assert.Error(t, err)
}

func TestNopJournal(t *testing.T) {
	var j storage.JournalStore = storage.NopJournal{}
	assert.NoError(t, j.Record(context.Background(), &storage.JournalEntry{}))
	pending, err := j.ListPending(context.Background(), storage.ListOptions{})
	assert.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoError(t, j.Close())
}
