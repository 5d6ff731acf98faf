package rules_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/testutil"
)

func mustCreateRule(t *testing.T, st *store.Store, accountID int64, conds []rules.Condition, actions []rules.Action) *store.Rule {
	t.Helper()
	condJSON, err := json.Marshal(conds)
	testutil.MustNoErr(t, err)
	actJSON, err := json.Marshal(actions)
	testutil.MustNoErr(t, err)
	r := &store.Rule{
		AccountID:  accountID,
		Name:       "test rule",
		Trigger:    rules.TriggerManual,
		Conditions: condJSON,
		Actions:    actJSON,
		IsActive:   true,
	}
	if _, err := st.CreateRule(r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func TestApplyDryRunLeavesNoTrace(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", func(m *store.Email) {
		m.From = store.Addr{Address: "news@letter.example"}
	})
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "@letter"}},
		[]rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionMarkRead},
		})

	engine := rules.NewEngine(st)
	report, err := engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{DryRun: true, Provider: acct.Provider})
	testutil.MustNoErr(t, err)

	if report.Evaluated != 1 || report.Matched != 1 || !report.DryRun {
		t.Fatalf("report: %+v", report)
	}
	res := report.Results[0]
	if !res.Matched || res.AuditID != 0 {
		t.Errorf("result: %+v", res)
	}
	testutil.AssertStrings(t, res.Actions, "applyLabel(News)", "markRead")

	// Nothing mutated, nothing audited.
	got, err := st.GetEmail(e.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "INBOX")
	if got.HasFlag(store.FlagSeen) {
		t.Error("dry run set a flag")
	}
	entries, err := st.ListAuditLog(store.AuditFilter{RuleID: rule.ID})
	testutil.MustNoErr(t, err)
	if len(entries) != 0 {
		t.Errorf("dry run wrote %d audit rows", len(entries))
	}
}

func TestApplyExecutesActionsInOrder(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	matching := testutil.SeedEmail(t, st, acct.ID, "m1", func(m *store.Email) {
		m.Subject = "Weekly digest"
	})
	other := testutil.SeedEmail(t, st, acct.ID, "m2", func(m *store.Email) {
		m.Subject = "Urgent: production down"
	})
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "digest"}},
		[]rules.Action{
			{Type: rules.ActionAddLabel, Value: "Digest"},
			{Type: rules.ActionMarkRead},
			{Type: rules.ActionArchive},
		})

	engine := rules.NewEngine(st)
	report, err := engine.Apply(context.Background(), rule,
		[]*store.Email{matching, other}, rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)

	if report.Evaluated != 2 || report.Matched != 1 {
		t.Fatalf("report: %+v", report)
	}

	got, err := st.GetEmail(matching.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "Digest") // INBOX archived away
	if !got.HasFlag(store.FlagSeen) {
		t.Error("markRead did not land")
	}

	untouched, err := st.GetEmail(other.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, untouched.Labels, "INBOX")

	// Both evaluations are audited; only the match carries actions and
	// an after-state.
	entries, err := st.ListAuditLog(store.AuditFilter{RuleID: rule.ID})
	testutil.MustNoErr(t, err)
	if len(entries) != 2 {
		t.Fatalf("got %d audit rows, want 2", len(entries))
	}
	for _, entry := range entries {
		if entry.EmailID == matching.ID {
			if !entry.Matched || entry.StateAfter == nil {
				t.Errorf("matched entry: %+v", entry)
			}
			var applied []string
			testutil.MustNoErr(t, json.Unmarshal(entry.ActionsApplied, &applied))
			testutil.AssertStrings(t, applied, "addLabel(Digest)", "markRead", "archive")
		} else {
			if entry.Matched || entry.StateAfter != nil {
				t.Errorf("unmatched entry: %+v", entry)
			}
		}
	}
}

func TestApplyTrashAliasesDelete(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", nil)
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldLabel, Operator: rules.OpEquals, Value: "INBOX"}},
		[]rules.Action{{Type: rules.ActionDelete}})

	engine := rules.NewEngine(st)
	_, err := engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)

	got, err := st.GetEmail(e.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "TRASH")
}

func TestApplyForwardRequiresHook(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", nil)
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldLabel, Operator: rules.OpEquals, Value: "INBOX"}},
		[]rules.Action{{Type: rules.ActionForward, Value: "archive@example.com"}})

	// Without a forwarder the action fails and the audit row records it.
	engine := rules.NewEngine(st)
	report, err := engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)
	if report.Results[0].Error == "" {
		t.Fatal("forward without hook did not error")
	}
	entries, err := st.ListAuditLog(store.AuditFilter{RuleID: rule.ID})
	testutil.MustNoErr(t, err)
	if len(entries) != 1 || entries[0].Error == "" || entries[0].StateAfter != nil {
		t.Errorf("failure audit row: %+v", entries[0])
	}

	// With a forwarder wired in, the email is handed over once.
	var forwarded []string
	engine = rules.NewEngine(st, rules.WithForwarder(
		func(_ context.Context, email *store.Email, to string) error {
			forwarded = append(forwarded, to)
			return nil
		}))
	report, err = engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)
	if report.Results[0].Error != "" {
		t.Fatalf("forward failed: %s", report.Results[0].Error)
	}
	testutil.AssertStrings(t, forwarded, "archive@example.com")
}

func TestApplyMoveFolderDowngradesOnGmail(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", nil)
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldLabel, Operator: rules.OpEquals, Value: "INBOX"}},
		[]rules.Action{{Type: rules.ActionMoveFolder, Value: "Receipts"}})

	engine := rules.NewEngine(st)
	report, err := engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{Provider: store.ProviderGmail})
	testutil.MustNoErr(t, err)

	testutil.AssertStrings(t, report.Results[0].Actions, "applyLabel(Receipts)")
	got, err := st.GetEmail(e.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "INBOX", "Receipts")
}

func TestApplyMoveFolderUsesHookOnIMAP(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderCustom, "me@corp.example")
	e := testutil.SeedEmail(t, st, acct.ID, "m1", nil)
	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldLabel, Operator: rules.OpEquals, Value: "INBOX"}},
		[]rules.Action{{Type: rules.ActionMoveFolder, Value: "Receipts"}})

	var moved []string
	engine := rules.NewEngine(st, rules.WithFolderMover(
		func(_ context.Context, email *store.Email, folder string) error {
			moved = append(moved, folder)
			return nil
		}))
	report, err := engine.Apply(context.Background(), rule, []*store.Email{e},
		rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)
	if report.Results[0].Error != "" {
		t.Fatalf("move failed: %s", report.Results[0].Error)
	}
	testutil.AssertStrings(t, moved, "Receipts")

	got, err := st.GetEmail(e.ID)
	testutil.MustNoErr(t, err)
	testutil.AssertStrings(t, got.Labels, "Receipts")
}

func TestApplyThreadSizeCondition(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, "me@gmail.com")
	for _, id := range []string{"m1", "m2", "m3"} {
		testutil.SeedEmail(t, st, acct.ID, id, func(m *store.Email) {
			m.ThreadID = "big-thread"
		})
	}
	solo := testutil.SeedEmail(t, st, acct.ID, "solo", nil)
	inThread, err := st.GetEmailByProviderID(acct.ID, "m1")
	testutil.MustNoErr(t, err)

	rule := mustCreateRule(t, st, acct.ID,
		[]rules.Condition{{Field: rules.FieldThreadSize, Operator: rules.OpGreaterThan, Value: float64(2)}},
		[]rules.Action{{Type: rules.ActionAddLabel, Value: "Busy"}})

	engine := rules.NewEngine(st)
	report, err := engine.Apply(context.Background(), rule,
		[]*store.Email{inThread, solo}, rules.ApplyOptions{Provider: acct.Provider})
	testutil.MustNoErr(t, err)
	if report.Matched != 1 || !report.Results[0].Matched || report.Results[1].Matched {
		t.Errorf("report: %+v", report)
	}
}
