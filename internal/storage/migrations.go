package storage

import (
	"cmp"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
)

// ErrNoMigration is returned by Version before the first migration ran.
var ErrNoMigration = errors.New("no migration")

// Dialect selects the placeholder style of the schema_migrations statements.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) bind(stmt string) string {
	if d == DialectPostgres {
		return fmt.Sprintf(stmt, "$1")
	}
	return fmt.Sprintf(stmt, "?")
}

// migrationFile matches NNN_name.up.sql and NNN_name.down.sql.
var migrationFile = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// MigrationManager applies the versioned SQL files of one journal driver and
// records each applied version in schema_migrations. Every step runs in its
// own transaction together with its bookkeeping row.
type MigrationManager struct {
	db      *sql.DB
	files   fs.FS
	dir     string
	dialect Dialect
}

type step struct {
	version uint
	name    string
	up      string
	down    string
}

// NewMigrationManager reads migrations from dir inside files, usually a
// driver's embedded migrations directory, and creates schema_migrations.
func NewMigrationManager(db *sql.DB, files fs.FS, dir string, dialect Dialect) (*MigrationManager, error) {
	if db == nil {
		return nil, errors.New("migrations: nil database")
	}
	if _, err := fs.Stat(files, dir); err != nil {
		return nil, fmt.Errorf("migrations: %s: %w", dir, err)
	}

	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("migrations: creating schema_migrations: %w", err)
	}
	return &MigrationManager{db: db, files: files, dir: dir, dialect: dialect}, nil
}

// Up applies every step newer than the current version, oldest first.
func (mgr *MigrationManager) Up() error {
	steps, err := mgr.steps()
	if err != nil {
		return err
	}
	current, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return err
	}

	record := mgr.dialect.bind("INSERT INTO schema_migrations (version) VALUES (%s)")
	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if err := mgr.run(s, s.up, record); err != nil {
			return fmt.Errorf("migrations: applying %03d_%s: %w", s.version, s.name, err)
		}
	}
	return nil
}

// Down reverts every applied step that has a down file, newest first.
func (mgr *MigrationManager) Down() error {
	steps, err := mgr.steps()
	if err != nil {
		return err
	}
	current, err := mgr.Version()
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return err
	}

	forget := mgr.dialect.bind("DELETE FROM schema_migrations WHERE version = %s")
	for _, s := range slices.Backward(steps) {
		if s.version > current || s.down == "" {
			continue
		}
		if err := mgr.run(s, s.down, forget); err != nil {
			return fmt.Errorf("migrations: reverting %03d_%s: %w", s.version, s.name, err)
		}
	}
	return nil
}

// Version returns the newest applied version, or ErrNoMigration.
func (mgr *MigrationManager) Version() (uint, error) {
	var v uint
	if err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("migrations: reading version: %w", err)
	}
	if v == 0 {
		return 0, ErrNoMigration
	}
	return v, nil
}

func (mgr *MigrationManager) run(s step, file, bookkeeping string) error {
	body, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return err
	}

	tx, err := mgr.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(bookkeeping, s.version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// steps lists the migrations of dir ordered by version. Files that do not
// follow the naming scheme are ignored, as are versions without an up file.
func (mgr *MigrationManager) steps() ([]step, error) {
	entries, err := fs.ReadDir(mgr.files, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: listing %s: %w", mgr.dir, err)
	}

	found := map[uint]*step{}
	for _, e := range entries {
		m := migrationFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		v := uint(n)
		s := found[v]
		if s == nil {
			s = &step{version: v, name: m[2]}
			found[v] = s
		}
		if m[3] == "up" {
			s.up = path.Join(mgr.dir, e.Name())
		} else {
			s.down = path.Join(mgr.dir, e.Name())
		}
	}

	steps := make([]step, 0, len(found))
	for _, s := range found {
		if s.up != "" {
			steps = append(steps, *s)
		}
	}
	slices.SortFunc(steps, func(a, b step) int { return cmp.Compare(a.version, b.version) })
	return steps, nil
}
