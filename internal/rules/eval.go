package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/intentmail/intentmail/internal/store"
)

// Env is the evaluation context for one email. ThreadSize is filled
// lazily by the applier only when a rule references it.
type Env struct {
	Email      *store.Email
	ThreadSize int
	Now        time.Time
}

// Matches reports whether every condition holds (AND). An operator/field
// combination the validator would reject evaluates to false rather than
// erroring: stored rules predate validator changes.
func Matches(conds []Condition, env *Env) bool {
	for _, c := range conds {
		if !evalCondition(c, env) {
			return false
		}
	}
	return true
}

// fieldValue is the extracted value of one condition field: exactly one
// of the members is meaningful, per kind.
type fieldValue struct {
	kind    valueKind
	str     string
	strs    []string
	num     float64
	boolean bool
}

type valueKind int

const (
	kindString valueKind = iota
	kindStringList
	kindNumber
	kindBool
)

func extractField(field string, env *Env) (fieldValue, bool) {
	e := env.Email
	switch field {
	case FieldFrom:
		v := e.From.Address
		if e.From.Name != "" {
			v = e.From.Name + " <" + e.From.Address + ">"
		}
		return fieldValue{kind: kindString, str: v}, true
	case FieldTo:
		return fieldValue{kind: kindStringList, strs: addrStrings(e.To)}, true
	case FieldCc:
		return fieldValue{kind: kindStringList, strs: addrStrings(e.Cc)}, true
	case FieldSubject:
		return fieldValue{kind: kindString, str: e.Subject}, true
	case FieldBody:
		return fieldValue{kind: kindString, str: e.BodyText}, true
	case FieldLabel:
		return fieldValue{kind: kindStringList, strs: e.Labels}, true
	case FieldHasAttachment:
		return fieldValue{kind: kindBool, boolean: e.HasAttachments}, true
	case FieldThreadSize:
		return fieldValue{kind: kindNumber, num: float64(env.ThreadSize)}, true
	case FieldDate:
		return fieldValue{kind: kindNumber, num: float64(e.Date.Unix())}, true
	case FieldAgeDays:
		age := env.Now.Sub(e.Date).Hours() / 24
		if age < 0 {
			age = 0
		}
		return fieldValue{kind: kindNumber, num: age}, true
	}
	return fieldValue{}, false
}

func addrStrings(addrs []store.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			out = append(out, a.Name+" <"+a.Address+">")
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}

func evalCondition(c Condition, env *Env) bool {
	fv, ok := extractField(c.Field, env)
	if !ok {
		return false
	}

	switch fv.kind {
	case kindString:
		return evalString(c, []string{fv.str})
	case kindStringList:
		return evalString(c, fv.strs)
	case kindNumber:
		return evalNumber(c, fv.num)
	case kindBool:
		return evalBool(c, fv.boolean)
	}
	return false
}

// evalString evaluates a string operator over one or more candidate
// values. For list fields a positive operator matches if any element
// matches; negative operators require that no element matches.
func evalString(c Condition, values []string) bool {
	switch c.Operator {
	case OpEquals:
		return anyString(values, func(v string) bool {
			return strings.EqualFold(v, stringValue(c.Value))
		})
	case OpNotEquals:
		return !anyString(values, func(v string) bool {
			return strings.EqualFold(v, stringValue(c.Value))
		})
	case OpContains:
		want := strings.ToLower(stringValue(c.Value))
		return anyString(values, func(v string) bool {
			return strings.Contains(strings.ToLower(v), want)
		})
	case OpNotContains:
		want := strings.ToLower(stringValue(c.Value))
		return !anyString(values, func(v string) bool {
			return strings.Contains(strings.ToLower(v), want)
		})
	case OpMatchesRegex:
		re, err := regexp.Compile(stringValue(c.Value))
		if err != nil {
			return false
		}
		return anyString(values, re.MatchString)
	case OpIn:
		want := stringListValue(c.Value)
		return anyString(values, func(v string) bool {
			for _, w := range want {
				if strings.EqualFold(v, w) {
					return true
				}
			}
			return false
		})
	case OpNotIn:
		want := stringListValue(c.Value)
		return !anyString(values, func(v string) bool {
			for _, w := range want {
				if strings.EqualFold(v, w) {
					return true
				}
			}
			return false
		})
	}
	return false
}

func evalNumber(c Condition, v float64) bool {
	switch c.Operator {
	case OpEquals:
		want, ok := numberValue(c)
		return ok && v == want
	case OpNotEquals:
		want, ok := numberValue(c)
		return ok && v != want
	case OpGreaterThan:
		want, ok := numberValue(c)
		return ok && v > want
	case OpLessThan:
		want, ok := numberValue(c)
		return ok && v < want
	case OpIn:
		for _, item := range listValue(c.Value) {
			if want, ok := coerceNumber(c.Field, item); ok && v == want {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, item := range listValue(c.Value) {
			if want, ok := coerceNumber(c.Field, item); ok && v == want {
				return false
			}
		}
		return true
	}
	return false
}

func evalBool(c Condition, v bool) bool {
	want, ok := c.Value.(bool)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return v == want
	case OpNotEquals:
		return v != want
	}
	return false
}

func anyString(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringListValue(v any) []string {
	items := listValue(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func listValue(v any) []any {
	items, _ := v.([]any)
	return items
}

func numberValue(c Condition) (float64, bool) {
	return coerceNumber(c.Field, c.Value)
}

// coerceNumber maps a condition value onto the field's numeric axis.
// Date fields accept RFC 3339 or plain dates and compare as Unix seconds.
func coerceNumber(field string, v any) (float64, bool) {
	if field == FieldDate {
		s, ok := v.(string)
		if !ok {
			return 0, false
		}
		t, err := parseDateValue(s)
		if err != nil {
			return 0, false
		}
		return float64(t.Unix()), true
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func parseDateValue(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
