// Package sqlite provides a SQLite implementation of the repair journal.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/helixmcp/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = time.RFC3339Nano

// Journal implements storage.JournalStore using SQLite.
type Journal struct {
	db *sql.DB
}

var _ storage.JournalStore = (*Journal)(nil)

// Open opens (or creates) the journal database at path and applies
// migrations. The parent directory is created when missing.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, migrations, "migrations", storage.DialectSQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record appends entry and fills its ID and CreatedAt.
func (j *Journal) Record(ctx context.Context, entry *storage.JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var vector sql.NullString
	if len(entry.Vector) > 0 {
		b, err := json.Marshal(entry.Vector)
		if err != nil {
			return fmt.Errorf("sqlite: failed to encode vector: %w", err)
		}
		vector = sql.NullString{String: string(b), Valid: true}
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT INTO repair_journal (kind, record_id, embedding_id, text, vector, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Kind, entry.RecordID, entry.EmbeddingID, entry.Text, vector, entry.Error, entry.Attempts,
		entry.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlite: failed to record journal entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: failed to read entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListPending returns unrepaired entries, oldest first.
func (j *Journal) ListPending(ctx context.Context, opts storage.ListOptions) ([]storage.JournalEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := `
		SELECT id, kind, record_id, embedding_id, text, vector, error, attempts, created_at
		FROM repair_journal
		WHERE repaired_at IS NULL`
	args := []any{}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []storage.JournalEntry
	for rows.Next() {
		var (
			e       storage.JournalEntry
			vector  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.RecordID, &e.EmbeddingID, &e.Text, &vector,
			&e.Error, &e.Attempts, &created); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan journal entry: %w", err)
		}
		if vector.Valid && vector.String != "" {
			if err := json.Unmarshal([]byte(vector.String), &e.Vector); err != nil {
				return nil, fmt.Errorf("sqlite: entry %d has a corrupt vector: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("sqlite: entry %d has a corrupt timestamp: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRepaired stamps an entry as repaired.
func (j *Journal) MarkRepaired(ctx context.Context, id int64, at time.Time) error {
	res, err := j.db.ExecContext(ctx,
		"UPDATE repair_journal SET repaired_at = ? WHERE id = ? AND repaired_at IS NULL",
		at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark entry %d repaired: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark entry %d repaired: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
