// Package postgres provides a PostgreSQL implementation of the repair journal.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrationVector adds the pending vector column when pgvector is installed.
const migrationVector = `ALTER TABLE repair_journal ADD COLUMN IF NOT EXISTS vector vector`

// Journal implements storage.JournalStore using PostgreSQL.
type Journal struct {
	db                *sql.DB
	pgvectorAvailable bool // true when the pgvector extension is present
}

var _ storage.JournalStore = (*Journal)(nil)

// Open connects to dsn and applies migrations. Without the pgvector
// extension the journal still works but drops client-side vectors.
func Open(dsn string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	mgr, err := storage.NewMigrationManager(db, migrations, "migrations", storage.DialectPostgres)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to run migrations: %w", err)
	}

	j := &Journal{db: db}
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		logger.Warn("pgvector extension not available, journal vectors disabled", zap.Error(err))
	} else if _, err := db.Exec(migrationVector); err != nil {
		logger.Warn("failed to add journal vector column", zap.Error(err))
	} else {
		j.pgvectorAvailable = true
	}
	return j, nil
}

// Record appends entry and fills its ID and CreatedAt.
func (j *Journal) Record(ctx context.Context, entry *storage.JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var err error
	if j.pgvectorAvailable && len(entry.Vector) > 0 {
		err = j.db.QueryRowContext(ctx, `
			INSERT INTO repair_journal (kind, record_id, embedding_id, text, error, attempts, created_at, vector)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			entry.Kind, entry.RecordID, entry.EmbeddingID, entry.Text, entry.Error, entry.Attempts,
			entry.CreatedAt, pgvector.NewVector(entry.Vector)).Scan(&entry.ID)
	} else {
		err = j.db.QueryRowContext(ctx, `
			INSERT INTO repair_journal (kind, record_id, embedding_id, text, error, attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			entry.Kind, entry.RecordID, entry.EmbeddingID, entry.Text, entry.Error, entry.Attempts,
			entry.CreatedAt).Scan(&entry.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to record journal entry: %w", err)
	}
	return nil
}

// ListPending returns unrepaired entries, oldest first.
func (j *Journal) ListPending(ctx context.Context, opts storage.ListOptions) ([]storage.JournalEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	vectorCol := "NULL::text"
	if j.pgvectorAvailable {
		vectorCol = "vector::text"
	}
	query := fmt.Sprintf(`
		SELECT id, kind, record_id, embedding_id, text, error, attempts, created_at, %s
		FROM repair_journal
		WHERE repaired_at IS NULL AND ($1 = '' OR kind = $1)
		ORDER BY id ASC
		LIMIT $2`, vectorCol)

	rows, err := j.db.QueryContext(ctx, query, opts.Kind, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []storage.JournalEntry
	for rows.Next() {
		var (
			e   storage.JournalEntry
			raw sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.RecordID, &e.EmbeddingID, &e.Text, &e.Error,
			&e.Attempts, &e.CreatedAt, &raw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan journal entry: %w", err)
		}
		if raw.Valid {
			var vec pgvector.Vector
			if err := vec.Scan([]byte(raw.String)); err != nil {
				return nil, fmt.Errorf("postgres: entry %d has a corrupt vector: %w", e.ID, err)
			}
			e.Vector = vec.Slice()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkRepaired stamps an entry as repaired.
func (j *Journal) MarkRepaired(ctx context.Context, id int64, at time.Time) error {
	res, err := j.db.ExecContext(ctx,
		"UPDATE repair_journal SET repaired_at = $1 WHERE id = $2 AND repaired_at IS NULL", at, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark entry %d repaired: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to mark entry %d repaired: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// Close closes the connection pool.
func (j *Journal) Close() error {
	return j.db.Close()
}

// TruncateForTest removes all journal rows. It is intended for tests only.
func (j *Journal) TruncateForTest(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, "TRUNCATE TABLE repair_journal RESTART IDENTITY"); err != nil {
		return fmt.Errorf("postgres: failed to truncate journal: %w", err)
	}
	return nil
}
