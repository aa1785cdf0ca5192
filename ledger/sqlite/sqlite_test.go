package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/ledger/ledgertest"
	sqliteledger "github.com/ineyio/creditengine/ledger/sqlite"
)

func newTestStore(t *testing.T) ce.LedgerStore {
	t.Helper()
	db, err := sqliteledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := sqliteledger.New(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	ledgertest.Run(t, newTestStore)
}

func TestOpenWithQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=foreign_keys(1)"
	db, err := sqliteledger.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
