package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/inboxwatch/internal/state"
)

// OpenItemDB opens a migrated item database in a temp dir. It is closed
// when the test ends.
func OpenItemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("open item db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
