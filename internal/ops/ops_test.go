package ops_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/intentmail/intentmail/internal/cache"
	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/ops"
	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/testutil"
	"github.com/intentmail/intentmail/internal/vault"
)

func newTestService(t *testing.T) (*ops.Service, *store.Store) {
	t.Helper()

	st := testutil.NewTestStore(t)
	v, err := vault.New("test-secret")
	testutil.MustNoErr(t, err)
	c, err := cache.New(st, t.TempDir())
	testutil.MustNoErr(t, err)

	cfg := &config.Config{Sync: config.SyncConfig{MaxMessages: 1000}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ops.New(cfg, st, v, c, ops.WithLogger(logger)), st
}

func TestSearchSummarizesEmails(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	testutil.SeedEmail(t, st, acct.ID, "m1", func(e *store.Email) {
		e.Subject = "Quarterly budget"
		e.Flags = []string{store.FlagSeen, store.FlagFlagged}
	})
	testutil.SeedEmail(t, st, acct.ID, "m2", func(e *store.Email) {
		e.Subject = "Lunch plans"
		e.Date = time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	})

	out, err := svc.Search(ops.SearchInput{AccountID: acct.ID})
	testutil.MustNoErr(t, err)
	if out.Total != 2 || out.HasMore {
		t.Fatalf("total=%d hasMore=%v", out.Total, out.HasMore)
	}
	// Newest first.
	if out.Emails[0].Subject != "Lunch plans" {
		t.Errorf("first result %q", out.Emails[0].Subject)
	}
	first, second := out.Emails[0], out.Emails[1]
	if !first.Unread || first.Flagged {
		t.Errorf("m2 summary: unread=%v flagged=%v", first.Unread, first.Flagged)
	}
	if second.Unread || !second.Flagged {
		t.Errorf("m1 summary: unread=%v flagged=%v", second.Unread, second.Flagged)
	}
	if first.From != "sender@example.com" || first.FromName != "Sender" {
		t.Errorf("from %q (%q)", first.From, first.FromName)
	}
}

func TestSearchFiltersUnread(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	testutil.SeedEmail(t, st, acct.ID, "read", func(e *store.Email) {
		e.Flags = []string{store.FlagSeen}
	})
	unread := testutil.SeedEmail(t, st, acct.ID, "unread", nil)

	yes := true
	out, err := svc.Search(ops.SearchInput{AccountID: acct.ID, Unread: &yes})
	testutil.MustNoErr(t, err)
	if len(out.Emails) != 1 || out.Emails[0].ID != unread.ID {
		t.Fatalf("unread filter returned %+v", out.Emails)
	}
}

func TestSearchParsesDates(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	testutil.SeedEmail(t, st, acct.ID, "m1", func(e *store.Email) {
		e.Date = time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	})
	testutil.SeedEmail(t, st, acct.ID, "m2", func(e *store.Email) {
		e.Date = time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	})

	out, err := svc.Search(ops.SearchInput{AccountID: acct.ID, After: "2024-06-01"})
	testutil.MustNoErr(t, err)
	if len(out.Emails) != 1 || out.Emails[0].Subject != "Subject m2" {
		t.Errorf("after filter returned %+v", out.Emails)
	}

	for _, bad := range []string{"June 1", "2024-6-1", "01/06/2024"} {
		if _, err := svc.Search(ops.SearchInput{After: bad}); !mailerr.IsKind(err, mailerr.KindValidation) {
			t.Errorf("date %q: got %v, want validation error", bad, err)
		}
	}
}

func TestGetThreadRequiresID(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.GetThread(1, ""); !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestCreateRuleBlocksOnErrors(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	result, err := svc.CreateRule(ops.RuleInput{
		AccountID: acct.ID,
		Name:      "broken",
		Trigger:   rules.TriggerManual,
		Conditions: []rules.Condition{
			{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "x"},
		},
		Actions:  nil, // no actions is an error
		IsActive: true,
	})
	if !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
	if result == nil || len(result.Issues) == 0 {
		t.Fatal("no issues returned")
	}

	// Nothing written.
	stored, err := st.ListRules(acct.ID)
	testutil.MustNoErr(t, err)
	if len(stored) != 0 {
		t.Errorf("%d rules stored after failed create", len(stored))
	}
}

func TestCreateRuleKeepsWarnings(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	result, err := svc.CreateRule(ops.RuleInput{
		AccountID: acct.ID,
		Name:      "file receipts",
		Trigger:   rules.TriggerManual,
		Conditions: []rules.Condition{
			{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "receipt"},
		},
		Actions: []rules.Action{
			{Type: rules.ActionMoveFolder, Value: "Receipts"},
		},
		IsActive: true,
	})
	testutil.MustNoErr(t, err)
	if result.Rule == nil || result.Rule.ID == 0 {
		t.Fatal("rule not created")
	}
	// moveFolder on a label provider is a warning, not a blocker.
	if len(result.Issues) == 0 || result.Issues[0].Severity != rules.SeverityWarning {
		t.Errorf("issues %+v", result.Issues)
	}

	stored, err := st.ListRules(acct.ID)
	testutil.MustNoErr(t, err)
	if len(stored) != 1 {
		t.Fatalf("%d rules stored", len(stored))
	}

	// The round-tripped view decodes conditions and actions.
	views, err := svc.ListRules(acct.ID)
	testutil.MustNoErr(t, err)
	if len(views) != 1 || len(views[0].Conditions) != 1 || views[0].Actions[0].Type != rules.ActionMoveFolder {
		t.Errorf("views %+v", views)
	}
}

func TestApplyRuleDefaultsToRecentEmails(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	match := testutil.SeedEmail(t, st, acct.ID, "m1", func(e *store.Email) {
		e.From = store.Addr{Address: "news@letter.example"}
	})
	testutil.SeedEmail(t, st, acct.ID, "m2", nil)

	created, err := svc.CreateRule(ops.RuleInput{
		AccountID: acct.ID,
		Name:      "label newsletters",
		Trigger:   rules.TriggerManual,
		Conditions: []rules.Condition{
			{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "@letter"},
		},
		Actions: []rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
		},
		IsActive: true,
	})
	testutil.MustNoErr(t, err)

	report, err := svc.ApplyRule(context.Background(), ops.ApplyRuleInput{RuleID: created.Rule.ID})
	testutil.MustNoErr(t, err)
	if report.Evaluated != 2 || report.Matched != 1 {
		t.Fatalf("evaluated=%d matched=%d", report.Evaluated, report.Matched)
	}

	got, err := st.GetEmail(match.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "INBOX", "News")
}

func TestApplyRuleRejectsForeignEmails(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	other := testutil.SeedAccount(t, st, store.ProviderOutlook, "me@outlook.com")
	foreign := testutil.SeedEmail(t, st, other.ID, "m1", nil)

	created, err := svc.CreateRule(ops.RuleInput{
		AccountID: acct.ID,
		Name:      "r",
		Trigger:   rules.TriggerManual,
		Conditions: []rules.Condition{
			{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "x"},
		},
		Actions:  []rules.Action{{Type: rules.ActionMarkRead}},
		IsActive: true,
	})
	testutil.MustNoErr(t, err)

	_, err = svc.ApplyRule(context.Background(), ops.ApplyRuleInput{
		RuleID:   created.Rule.ID,
		EmailIDs: []int64{foreign.ID},
	})
	if !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestSyncStatsAggregates(t *testing.T) {
	svc, st := newTestService(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	for i, m := range []*store.SyncMetric{
		{SyncType: "initial", EmailsAdded: 40, Success: true},
		{SyncType: "delta", EmailsAdded: 3, Success: true},
		{SyncType: "delta", Success: false, Error: "connection reset"},
	} {
		m.AccountID = acct.ID
		m.Provider = acct.Provider
		m.Duration = time.Duration(i+1) * time.Second
		testutil.MustNoErr(t, st.AppendSyncMetric(m))
	}

	stats, err := svc.SyncStats(acct.ID, 2)
	testutil.MustNoErr(t, err)
	if stats.Summary.Runs != 3 || stats.Summary.Failures != 1 {
		t.Errorf("summary %+v", stats.Summary)
	}
	if stats.Summary.EmailsAdded != 43 {
		t.Errorf("emails added %d", stats.Summary.EmailsAdded)
	}
	if len(stats.RecentRuns) != 2 {
		t.Errorf("%d recent runs, want 2", len(stats.RecentRuns))
	}

	if _, err := svc.SyncStats(9999, 1); !mailerr.IsKind(err, mailerr.KindNotFound) {
		t.Errorf("missing account: got %v", err)
	}
}
