// Package testutil holds shared helpers for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/intentmail/intentmail/internal/store"
)

// NewTestStore creates a migrated temporary database, closed on cleanup.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedAccount inserts a minimal active account and returns it.
func SeedAccount(t *testing.T, st *store.Store, provider, email string) *store.Account {
	t.Helper()

	acct := &store.Account{
		Provider: provider,
		Email:    email,
		AuthType: store.AuthOAuth,
		IsActive: true,
	}
	if provider == store.ProviderCustom || provider == store.ProviderYahoo {
		acct.AuthType = store.AuthIMAP
	}
	if _, err := st.CreateAccount(acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

// SeedEmail upserts an email with sensible defaults, applying overrides
// via fn, and returns it with its id set.
func SeedEmail(t *testing.T, st *store.Store, accountID int64, providerID string, fn func(*store.Email)) *store.Email {
	t.Helper()

	e := &store.Email{
		AccountID:         accountID,
		ProviderMessageID: providerID,
		ThreadID:          "thread-" + providerID,
		From:              store.Addr{Address: "sender@example.com", Name: "Sender"},
		To:                []store.Addr{{Address: "me@example.com"}},
		Subject:           "Subject " + providerID,
		BodyText:          "Body of " + providerID,
		Snippet:           "Body of " + providerID,
		Date:              time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt:        time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC),
		Labels:            []string{"INBOX"},
	}
	if fn != nil {
		fn(e)
	}
	if _, err := st.UpsertEmail(e); err != nil {
		t.Fatalf("seed email: %v", err)
	}
	return e
}

// MustNoErr fails the test on error.
func MustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertStrings compares two string slices element-by-element.
func AssertStrings(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("got len %d, want %d: %v", len(got), len(want), got)
		return
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("at index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
