// Package dbtest opens migrated throwaway databases for package tests.
// It uses the pure-Go modernc driver so tests run without cgo.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/nugget/tally/internal/database"
	_ "modernc.org/sqlite"
)

// Open returns a fully migrated database in a per-test temp directory.
// The pool is limited to one connection so transactions and plain
// queries never contend for the SQLite write lock.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(t.Context(), db, nil); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}
