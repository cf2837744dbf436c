// Package storagetest opens migrated in-memory databases for store tests.
package storagetest

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"duemari/internal/adapters/storage"
)

// Open returns a migrated in-memory SQLite database wrapped in a TimedDB.
// The pool is pinned to one connection so every query sees the same memory database.
func Open(t testing.TB) *storage.TimedDB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.MigrateDB(db, storage.DialectSQLite); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return storage.NewTimedDB(db, storage.DialectSQLite, nil, 0)
}
