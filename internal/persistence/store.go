package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1: operations table with created_at/status indexes.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ds-v1-2026-10-02-operations"

	// v2: operation_events transition log.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ds-v2-2026-10-09-operation-events"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultListLimit = 50
	maxListLimit     = 1000
)

var (
	// ErrOperationNotFound is returned when no row exists for an operation id.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrDuplicateOperation is returned when inserting an id that already exists.
	ErrDuplicateOperation = errors.New("duplicate operation id")
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".docsearch", "operations.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection serializes every transaction, which is what gives
	// per-row read-check-write its atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersionLatest)
	}

	migrations := []struct {
		version  int
		checksum string
		stmts    []string
	}{
		{
			version:  schemaVersionV1,
			checksum: schemaChecksumV1,
			stmts: []string{
				`CREATE TABLE IF NOT EXISTS operations (
					id TEXT PRIMARY KEY,
					operation_type TEXT NOT NULL,
					status TEXT NOT NULL,
					created_at REAL NOT NULL,
					updated_at REAL NOT NULL,
					started_at REAL,
					completed_at REAL,
					total_items INTEGER,
					processed_items INTEGER,
					failed_items INTEGER,
					current_item TEXT,
					result TEXT,
					error TEXT
				);`,
				`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);`,
				`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);`,
			},
		},
		{
			version:  schemaVersionV2,
			checksum: schemaChecksumV2,
			stmts: []string{
				`CREATE TABLE IF NOT EXISTS operation_events (
					event_id INTEGER PRIMARY KEY AUTOINCREMENT,
					operation_id TEXT NOT NULL REFERENCES operations(id) ON DELETE CASCADE,
					state_from TEXT,
					state_to TEXT NOT NULL,
					trace_id TEXT,
					created_at REAL NOT NULL
				);`,
				`CREATE INDEX IF NOT EXISTS idx_operation_events_operation ON operation_events(operation_id, event_id);`,
			},
		},
	}

	for _, m := range migrations {
		if m.version <= current {
			var checksum string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&checksum)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read checksum v%d: %w", m.version, err)
			}
			if err == nil && checksum != m.checksum {
				return fmt.Errorf("schema checksum mismatch at v%d: have %q want %q", m.version, checksum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version and its checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY must be unique")
}

// toEpoch stores timestamps as fractional seconds since the Unix epoch.
// Seconds and nanoseconds are combined separately so instants outside the
// UnixNano range stay ordered.
func toEpoch(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func fromEpoch(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

func nullEpoch(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: toEpoch(*t), Valid: true}
}

func epochPtr(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Float64)
	return &t
}
