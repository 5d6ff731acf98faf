package store_test

import (
	"path/filepath"
	"testing"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mail.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	v1, err := st.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v1 == 0 {
		t.Fatal("no migrations applied on fresh open")
	}
	st.Close()

	// A second open must find everything applied and change nothing.
	st, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	v2, err := st.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version after reopen: %v", err)
	}
	if v2 != v1 {
		t.Errorf("schema version changed on reopen: %d -> %d", v1, v2)
	}
}

func TestMigrateDetectsTampering(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mail.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := st.DB().Exec(
		`UPDATE migrations SET checksum = 'deadbeef' WHERE version = 1`,
	); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	st.Close()

	_, err = store.Open(dbPath)
	if err == nil {
		t.Fatal("open succeeded on tampered migration record")
	}
	if !mailerr.IsKind(err, mailerr.KindIntegrity) {
		t.Errorf("got %v, want integrity error", err)
	}
}
