package rules_test

import (
	"testing"

	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
)

func findIssue(issues []rules.Issue, code string) *rules.Issue {
	for i := range issues {
		if issues[i].Code == code {
			return &issues[i]
		}
	}
	return nil
}

func TestValidateAcceptsWellFormedRule(t *testing.T) {
	issues := rules.Validate("File newsletters", rules.TriggerOnNewEmail,
		[]rules.Condition{
			{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "@newsletter"},
			{Field: rules.FieldHasAttachment, Operator: rules.OpEquals, Value: false},
			{Field: rules.FieldAgeDays, Operator: rules.OpGreaterThan, Value: float64(7)},
			{Field: rules.FieldDate, Operator: rules.OpLessThan, Value: "2024-01-01"},
			{Field: rules.FieldLabel, Operator: rules.OpIn, Value: []any{"INBOX", "News"}},
		},
		[]rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionMarkRead},
			{Type: rules.ActionArchive},
		}, "")
	if len(issues) != 0 {
		t.Errorf("unexpected issues: %+v", issues)
	}
}

func TestValidateStructuralErrors(t *testing.T) {
	issues := rules.Validate("  ", "whenever", nil, nil, "")
	for _, code := range []string{
		rules.CodeEmptyName,
		rules.CodeUnknownTrigger,
		rules.CodeNoConditions,
		rules.CodeNoActions,
	} {
		if findIssue(issues, code) == nil {
			t.Errorf("missing issue %s in %+v", code, issues)
		}
	}
	if !rules.HasErrors(issues) {
		t.Error("HasErrors false on structural errors")
	}
}

func TestValidateConditionIssues(t *testing.T) {
	cases := []struct {
		name string
		cond rules.Condition
		code string
	}{
		{"unknown field", rules.Condition{Field: "priority", Operator: rules.OpEquals, Value: "x"}, rules.CodeUnknownField},
		{"unknown operator", rules.Condition{Field: rules.FieldFrom, Operator: "like", Value: "x"}, rules.CodeUnknownOperator},
		{"operator wrong for field", rules.Condition{Field: rules.FieldSubject, Operator: rules.OpGreaterThan, Value: "x"}, rules.CodeTypeMismatch},
		{"regex on bool field", rules.Condition{Field: rules.FieldHasAttachment, Operator: rules.OpMatchesRegex, Value: ".*"}, rules.CodeTypeMismatch},
		{"bad regex", rules.Condition{Field: rules.FieldSubject, Operator: rules.OpMatchesRegex, Value: "("}, rules.CodeInvalidRegex},
		{"empty string value", rules.Condition{Field: rules.FieldFrom, Operator: rules.OpEquals, Value: ""}, rules.CodeEmptyValue},
		{"empty in list", rules.Condition{Field: rules.FieldLabel, Operator: rules.OpIn, Value: []any{}}, rules.CodeEmptyValue},
		{"bool value on string field", rules.Condition{Field: rules.FieldSubject, Operator: rules.OpEquals, Value: true}, rules.CodeEmptyValue},
		{"string on numeric field", rules.Condition{Field: rules.FieldThreadSize, Operator: rules.OpEquals, Value: "five"}, rules.CodeTypeMismatch},
		{"garbage date", rules.Condition{Field: rules.FieldDate, Operator: rules.OpLessThan, Value: "someday"}, rules.CodeTypeMismatch},
	}
	actions := []rules.Action{{Type: rules.ActionMarkRead}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issues := rules.Validate("r", rules.TriggerManual, []rules.Condition{tc.cond}, actions, "")
			got := findIssue(issues, tc.code)
			if got == nil {
				t.Fatalf("missing %s in %+v", tc.code, issues)
			}
			if got.Field != "conditions[0]" {
				t.Errorf("issue addressed to %q", got.Field)
			}
			if got.Severity != rules.SeverityError {
				t.Errorf("severity %q", got.Severity)
			}
		})
	}
}

func TestValidateActionIssues(t *testing.T) {
	conds := []rules.Condition{{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "x"}}

	// markRead and markUnread together conflict.
	issues := rules.Validate("r", rules.TriggerManual, conds, []rules.Action{
		{Type: rules.ActionMarkRead},
		{Type: rules.ActionMarkUnread},
	}, "")
	got := findIssue(issues, rules.CodeConflictingActions)
	if got == nil || got.Field != "actions" || got.Severity != rules.SeverityError {
		t.Errorf("conflicting actions: %+v", issues)
	}

	// delete anywhere but last is invalid; moveToTrash is not last-only,
	// since trashed mail can still be flagged or read.
	issues = rules.Validate("r", rules.TriggerManual, conds, []rules.Action{
		{Type: rules.ActionDelete},
		{Type: rules.ActionMarkRead},
	}, "")
	if findIssue(issues, rules.CodeDeleteNotLast) == nil {
		t.Errorf("delete-not-last not flagged: %+v", issues)
	}
	issues = rules.Validate("r", rules.TriggerManual, conds, []rules.Action{
		{Type: rules.ActionMarkRead},
		{Type: rules.ActionDelete},
	}, "")
	if findIssue(issues, rules.CodeDeleteNotLast) != nil {
		t.Errorf("trailing delete flagged: %+v", issues)
	}
	issues = rules.Validate("r", rules.TriggerManual, conds, []rules.Action{
		{Type: rules.ActionMoveToTrash},
		{Type: rules.ActionMarkRead},
	}, "")
	if findIssue(issues, rules.CodeDeleteNotLast) != nil {
		t.Errorf("mid-list moveToTrash flagged: %+v", issues)
	}

	issues = rules.Validate("r", rules.TriggerManual, conds,
		[]rules.Action{{Type: rules.ActionForward}}, "")
	if findIssue(issues, rules.CodeForwardWithoutTo) == nil {
		t.Errorf("forward without address not flagged: %+v", issues)
	}

	issues = rules.Validate("r", rules.TriggerManual, conds,
		[]rules.Action{{Type: rules.ActionAddLabel, Value: " "}}, "")
	if findIssue(issues, rules.CodeActionNeedsValue) == nil {
		t.Errorf("blank label value not flagged: %+v", issues)
	}

	issues = rules.Validate("r", rules.TriggerManual, conds,
		[]rules.Action{{Type: "explode"}}, "")
	if findIssue(issues, rules.CodeUnknownAction) == nil {
		t.Errorf("unknown action not flagged: %+v", issues)
	}
}

func TestValidateDuplicateLabelActions(t *testing.T) {
	conds := []rules.Condition{{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "x"}}

	cases := []struct {
		name    string
		actions []rules.Action
		want    bool
	}{
		{"same label twice", []rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionApplyLabel, Value: "News"},
		}, true},
		{"case-insensitive duplicate", []rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionAddLabel, Value: "news"},
		}, true},
		{"distinct labels", []rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionApplyLabel, Value: "Archive2024"},
		}, false},
		{"apply then remove same label", []rules.Action{
			{Type: rules.ActionApplyLabel, Value: "News"},
			{Type: rules.ActionRemoveLabel, Value: "News"},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issues := rules.Validate("r", rules.TriggerManual, conds, tc.actions, "")
			got := findIssue(issues, rules.CodeDuplicateLabelAction)
			if tc.want && (got == nil || got.Field != "actions[1]" || got.Severity != rules.SeverityError) {
				t.Errorf("duplicate not flagged: %+v", issues)
			}
			if !tc.want && got != nil {
				t.Errorf("false duplicate: %+v", issues)
			}
		})
	}
}

func TestValidateMoveFolderOnGmailWarns(t *testing.T) {
	conds := []rules.Condition{{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "x"}}
	actions := []rules.Action{{Type: rules.ActionMoveFolder, Value: "Receipts"}}

	issues := rules.Validate("r", rules.TriggerManual, conds, actions, store.ProviderGmail)
	got := findIssue(issues, rules.CodeFolderUnsupported)
	if got == nil {
		t.Fatalf("no folder warning: %+v", issues)
	}
	if got.Severity != rules.SeverityWarning {
		t.Errorf("severity %q, want warning", got.Severity)
	}
	if rules.HasErrors(issues) {
		t.Error("warning-only rule reported as erroring")
	}

	// Same rule on a real IMAP account is clean.
	issues = rules.Validate("r", rules.TriggerManual, conds, actions, store.ProviderCustom)
	if len(issues) != 0 {
		t.Errorf("unexpected issues on IMAP: %+v", issues)
	}
}
