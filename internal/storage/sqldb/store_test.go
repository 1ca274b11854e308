package sqldb

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/tjfontaine/conversion-relay/internal/core/ports"
	"github.com/tjfontaine/conversion-relay/internal/storage/storagetest"
)

var memdbSeq atomic.Int64

func TestSQLDBStore_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ports.SessionStore {
		dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memdbSeq.Add(1))
		store, err := NewSQLite(dsn)
		if err != nil {
			t.Fatalf("NewSQLite() error = %v", err)
		}
		return store
	})
}

func TestSQLDBStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	store, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	if store.Dialect().Name() != "sqlite" {
		t.Errorf("Dialect().Name() = %q, want sqlite", store.Dialect().Name())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Schema creation must be idempotent.
	store, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() reopen error = %v", err)
	}
	defer store.Close()

	var count int
	if err := store.DB().Get(&count, "SELECT COUNT(classification) FROM deliveries"); err != nil {
		t.Errorf("deliveries.classification not queryable: %v", err)
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("New() error = nil, want unsupported driver error")
	}
}
