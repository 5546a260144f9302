package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/docsearch/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "operations.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "operations", "operation_events"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	for _, index := range []string{"idx_operations_created_at", "idx_operations_status"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name = ?", index).Scan(&got); err != nil {
			t.Fatalf("index %s not found: %v", index, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	store, _ := openTestStore(t)

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotentAndDurable(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "operations.db")
	ctx := context.Background()

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now()
	if err := store.InsertOperation(ctx, persistence.Operation{
		ID: "refresh_index-aaaa0001", Type: "refresh_index", Status: persistence.OperationPending,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	running := persistence.OperationRunning
	if _, err := store.UpdateOperation(ctx, "refresh_index-aaaa0001", nil, persistence.OperationPatch{
		Status: &running, StartedAt: &now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	op, err := reopened.GetOperation(ctx, "refresh_index-aaaa0001")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	// Running rows survive a restart untouched; nothing resumes or reconciles them.
	if op.Status != persistence.OperationRunning {
		t.Fatalf("expected running after reopen, got %s", op.Status)
	}
	if op.StartedAt == nil {
		t.Fatal("expected started_at to survive reopen")
	}
}
