package store_test

import (
	"encoding/json"
	"testing"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/testutil"
)

func seedRule(t *testing.T, st *store.Store, accountID int64, name string) *store.Rule {
	t.Helper()
	r := &store.Rule{
		AccountID:  accountID,
		Name:       name,
		Trigger:    "manual",
		Conditions: json.RawMessage(`[{"field":"from","operator":"contains","value":"x"}]`),
		Actions:    json.RawMessage(`[{"type":"markRead"}]`),
		IsActive:   true,
	}
	if _, err := st.CreateRule(r); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return r
}

func TestRuleCRUD(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	r := seedRule(t, st, acct.ID, "first")
	seedRule(t, st, acct.ID, "second")

	got, err := st.GetRule(r.ID)
	testutil.MustNoErr(t, err)
	if got.Name != "first" || !got.IsActive {
		t.Errorf("got %+v", got)
	}
	var conds []map[string]any
	testutil.MustNoErr(t, json.Unmarshal(got.Conditions, &conds))
	if len(conds) != 1 || conds[0]["field"] != "from" {
		t.Errorf("conditions did not round-trip: %s", got.Conditions)
	}

	rules, err := st.ListRules(acct.ID)
	testutil.MustNoErr(t, err)
	if len(rules) != 2 || rules[0].Name != "second" {
		t.Errorf("list: got %d rules, newest %q", len(rules), rules[0].Name)
	}

	got.Name = "renamed"
	got.IsActive = false
	testutil.MustNoErr(t, st.UpdateRule(got))
	got, err = st.GetRule(r.ID)
	testutil.MustNoErr(t, err)
	if got.Name != "renamed" || got.IsActive {
		t.Errorf("update not applied: %+v", got)
	}

	testutil.MustNoErr(t, st.DeleteRule(r.ID))
	if _, err := st.GetRule(r.ID); !mailerr.IsKind(err, mailerr.KindNotFound) {
		t.Errorf("got %v, want not-found after delete", err)
	}
}

func TestAuditLifecycle(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", nil)
	r := seedRule(t, st, acct.ID, "rule")

	entry := &store.AuditEntry{
		RuleID:         r.ID,
		EmailID:        e.ID,
		Matched:        true,
		ActionsApplied: json.RawMessage(`["markRead"]`),
		StateBefore:    json.RawMessage(`{"labels":["INBOX"],"flags":[]}`),
		StateAfter:     json.RawMessage(`{"labels":["INBOX"],"flags":["SEEN"]}`),
	}
	id, err := st.AppendAudit(entry)
	testutil.MustNoErr(t, err)

	// A dry run of the same rule leaves StateAfter null.
	dryID, err := st.AppendAudit(&store.AuditEntry{
		RuleID:      r.ID,
		EmailID:     e.ID,
		Matched:     true,
		DryRun:      true,
		StateBefore: json.RawMessage(`{"labels":["INBOX"],"flags":[]}`),
	})
	testutil.MustNoErr(t, err)

	dry, err := st.GetAuditEntry(dryID)
	testutil.MustNoErr(t, err)
	if !dry.DryRun || dry.StateAfter != nil {
		t.Errorf("dry entry: dryRun=%v stateAfter=%s", dry.DryRun, dry.StateAfter)
	}

	// Only the real, matched, not-rolled-back execution is a candidate.
	cands, err := st.RollbackCandidates(r.ID)
	testutil.MustNoErr(t, err)
	if len(cands) != 1 || cands[0].ID != id {
		t.Fatalf("got %d candidates", len(cands))
	}

	testutil.MustNoErr(t, st.MarkRolledBack(id))
	got, err := st.GetAuditEntry(id)
	testutil.MustNoErr(t, err)
	if !got.RolledBack || got.RolledBackAt.IsZero() {
		t.Errorf("not marked rolled back: %+v", got)
	}
	cands, err = st.RollbackCandidates(r.ID)
	testutil.MustNoErr(t, err)
	if len(cands) != 0 {
		t.Errorf("rolled-back entry still a candidate")
	}
}

func TestReplaceAttachmentsKeepsCachePaths(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", func(m *store.Email) {
		m.HasAttachments = true
	})

	atts := []*store.Attachment{
		{Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 100, ProviderAttachmentID: "p1"},
		{Filename: "photo.jpg", MimeType: "image/jpeg", SizeBytes: 200, ProviderAttachmentID: "p2"},
	}
	testutil.MustNoErr(t, st.ReplaceEmailAttachments(e.ID, atts))
	testutil.MustNoErr(t, st.SetAttachmentPath(atts[0].ID, "/cache/abc.pdf"))

	// Re-sync with the same provider ids: the cached path must survive.
	next := []*store.Attachment{
		{Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 100, ProviderAttachmentID: "p1"},
	}
	testutil.MustNoErr(t, st.ReplaceEmailAttachments(e.ID, next))

	listed, err := st.ListAttachments(e.ID)
	testutil.MustNoErr(t, err)
	if len(listed) != 1 {
		t.Fatalf("got %d attachments, want 1", len(listed))
	}
	if listed[0].LocalPath != "/cache/abc.pdf" {
		t.Errorf("cache path dropped on replace: %q", listed[0].LocalPath)
	}
}

func TestSyncMetricsSummary(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")

	testutil.MustNoErr(t, st.AppendSyncMetric(&store.SyncMetric{
		AccountID: acct.ID, Provider: acct.Provider, SyncType: "initial",
		EmailsAdded: 40, Success: true,
	}))
	testutil.MustNoErr(t, st.AppendSyncMetric(&store.SyncMetric{
		AccountID: acct.ID, Provider: acct.Provider, SyncType: "delta",
		Error: "connection reset",
	}))
	testutil.MustNoErr(t, st.AppendSyncMetric(&store.SyncMetric{
		AccountID: acct.ID, Provider: acct.Provider, SyncType: "delta",
		EmailsAdded: 3, EmailsDeleted: 1, Success: true,
	}))

	sum, err := st.GetSyncSummary(acct.ID)
	testutil.MustNoErr(t, err)
	if sum.Runs != 3 || sum.Failures != 1 {
		t.Errorf("runs=%d failures=%d", sum.Runs, sum.Failures)
	}
	if sum.EmailsAdded != 43 || sum.EmailsDeleted != 1 {
		t.Errorf("added=%d deleted=%d", sum.EmailsAdded, sum.EmailsDeleted)
	}
	if sum.LastError != "connection reset" {
		t.Errorf("lastError=%q", sum.LastError)
	}

	metrics, err := st.ListSyncMetrics(acct.ID, 2)
	testutil.MustNoErr(t, err)
	if len(metrics) != 2 || metrics[0].SyncType != "delta" {
		t.Errorf("got %d metrics, newest %q", len(metrics), metrics[0].SyncType)
	}
}
