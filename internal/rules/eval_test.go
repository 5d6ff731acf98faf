package rules_test

import (
	"testing"
	"time"

	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
)

func testEnv() *rules.Env {
	return &rules.Env{
		Email: &store.Email{
			From:     store.Addr{Address: "alice@example.com", Name: "Alice Smith"},
			To:       []store.Addr{{Address: "me@example.com"}, {Address: "team@example.com", Name: "The Team"}},
			Cc:       []store.Addr{{Address: "boss@example.com"}},
			Subject:  "Invoice #4521 overdue",
			BodyText: "Please pay the attached invoice.",
			Labels:   []string{"INBOX", "Finance"},
			Date:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),

			HasAttachments: true,
		},
		ThreadSize: 4,
		Now:        time.Date(2024, 6, 11, 12, 0, 0, 0, time.UTC),
	}
}

func TestMatchesStringOperators(t *testing.T) {
	env := testEnv()
	cases := []struct {
		name string
		cond rules.Condition
		want bool
	}{
		{"from equals full form", rules.Condition{Field: rules.FieldFrom, Operator: rules.OpEquals, Value: "alice smith <alice@example.com>"}, true},
		{"from equals bare addr", rules.Condition{Field: rules.FieldFrom, Operator: rules.OpEquals, Value: "alice@example.com"}, false},
		{"from contains addr", rules.Condition{Field: rules.FieldFrom, Operator: rules.OpContains, Value: "ALICE@"}, true},
		{"subject contains", rules.Condition{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "invoice"}, true},
		{"subject notContains", rules.Condition{Field: rules.FieldSubject, Operator: rules.OpNotContains, Value: "receipt"}, true},
		{"body regex", rules.Condition{Field: rules.FieldBody, Operator: rules.OpMatchesRegex, Value: `(?i)pay.*invoice`}, true},
		{"bad regex never matches", rules.Condition{Field: rules.FieldBody, Operator: rules.OpMatchesRegex, Value: "("}, false},
		{"to any-element contains", rules.Condition{Field: rules.FieldTo, Operator: rules.OpContains, Value: "team@"}, true},
		{"to notContains fails on any hit", rules.Condition{Field: rules.FieldTo, Operator: rules.OpNotContains, Value: "team@"}, false},
		{"cc equals", rules.Condition{Field: rules.FieldCc, Operator: rules.OpEquals, Value: "boss@example.com"}, true},
		{"label in", rules.Condition{Field: rules.FieldLabel, Operator: rules.OpIn, Value: []any{"finance", "archive"}}, true},
		{"label notIn", rules.Condition{Field: rules.FieldLabel, Operator: rules.OpNotIn, Value: []any{"Spam"}}, true},
		{"label notIn hit", rules.Condition{Field: rules.FieldLabel, Operator: rules.OpNotIn, Value: []any{"inbox"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rules.Matches([]rules.Condition{tc.cond}, env); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesNumericAndBool(t *testing.T) {
	env := testEnv()
	cases := []struct {
		name string
		cond rules.Condition
		want bool
	}{
		{"threadSize greaterThan", rules.Condition{Field: rules.FieldThreadSize, Operator: rules.OpGreaterThan, Value: float64(3)}, true},
		{"threadSize lessThan", rules.Condition{Field: rules.FieldThreadSize, Operator: rules.OpLessThan, Value: float64(4)}, false},
		{"threadSize in", rules.Condition{Field: rules.FieldThreadSize, Operator: rules.OpIn, Value: []any{float64(2), float64(4)}}, true},
		{"ageDays greaterThan", rules.Condition{Field: rules.FieldAgeDays, Operator: rules.OpGreaterThan, Value: float64(7)}, true},
		{"ageDays lessThan", rules.Condition{Field: rules.FieldAgeDays, Operator: rules.OpLessThan, Value: float64(7)}, false},
		{"date before rfc3339", rules.Condition{Field: rules.FieldDate, Operator: rules.OpLessThan, Value: "2024-07-01T00:00:00Z"}, true},
		{"date before plain date", rules.Condition{Field: rules.FieldDate, Operator: rules.OpGreaterThan, Value: "2024-05-01"}, true},
		{"hasAttachment equals", rules.Condition{Field: rules.FieldHasAttachment, Operator: rules.OpEquals, Value: true}, true},
		{"hasAttachment notEquals", rules.Condition{Field: rules.FieldHasAttachment, Operator: rules.OpNotEquals, Value: true}, false},
		{"bool with string value", rules.Condition{Field: rules.FieldHasAttachment, Operator: rules.OpEquals, Value: "yes"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rules.Matches([]rules.Condition{tc.cond}, env); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesIsConjunction(t *testing.T) {
	env := testEnv()

	both := []rules.Condition{
		{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "invoice"},
		{Field: rules.FieldHasAttachment, Operator: rules.OpEquals, Value: true},
	}
	if !rules.Matches(both, env) {
		t.Error("all-true conjunction did not match")
	}

	oneFalse := append(both, rules.Condition{
		Field: rules.FieldLabel, Operator: rules.OpEquals, Value: "Spam",
	})
	if rules.Matches(oneFalse, env) {
		t.Error("conjunction matched despite a false condition")
	}

	// No conditions means match everything; the validator forbids storing
	// such rules but evaluation stays total.
	if !rules.Matches(nil, env) {
		t.Error("empty condition set did not match")
	}
}

func TestMatchesFutureDateClampsAge(t *testing.T) {
	env := testEnv()
	env.Email.Date = env.Now.Add(48 * time.Hour)

	cond := rules.Condition{Field: rules.FieldAgeDays, Operator: rules.OpLessThan, Value: float64(1)}
	if !rules.Matches([]rules.Condition{cond}, env) {
		t.Error("future-dated email should have age 0")
	}
}

func TestMatchesIncompatibleComboIsFalse(t *testing.T) {
	env := testEnv()

	// greaterThan over a string field would be rejected at write time;
	// at evaluation it just fails to match.
	cond := rules.Condition{Field: rules.FieldSubject, Operator: rules.OpGreaterThan, Value: float64(3)}
	if rules.Matches([]rules.Condition{cond}, env) {
		t.Error("incompatible operator/field combination matched")
	}
}
