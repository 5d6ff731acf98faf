package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue codes.
const (
	CodeEmptyName            = "EMPTY_NAME"
	CodeUnknownTrigger       = "UNKNOWN_TRIGGER"
	CodeNoConditions         = "NO_CONDITIONS"
	CodeNoActions            = "NO_ACTIONS"
	CodeUnknownField         = "UNKNOWN_FIELD"
	CodeUnknownOperator      = "UNKNOWN_OPERATOR"
	CodeTypeMismatch         = "TYPE_MISMATCH"
	CodeEmptyValue           = "EMPTY_VALUE"
	CodeInvalidRegex         = "INVALID_REGEX"
	CodeUnknownAction        = "UNKNOWN_ACTION"
	CodeConflictingActions   = "CONFLICTING_ACTIONS"
	CodeDeleteNotLast        = "DELETE_NOT_LAST"
	CodeDuplicateLabelAction = "DUPLICATE_LABEL_ACTION"
	CodeForwardWithoutTo     = "FORWARD_WITHOUT_TO"
	CodeActionNeedsValue     = "ACTION_NEEDS_VALUE"
	CodeFolderUnsupported    = "FOLDER_UNSUPPORTED"
)

// Issue is one validation finding, addressed to the offending field so a
// UI can attach it to the right input.
type Issue struct {
	Code     string `json:"code"`
	Field    string `json:"field"`
	Severity string `json:"severity"`
}

// HasErrors reports whether any issue is severity error.
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidationError wraps error-severity issues into the error taxonomy.
func ValidationError(issues []Issue) error {
	var codes []string
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			codes = append(codes, issue.Code)
		}
	}
	return mailerr.Validation("rule validation failed: %s", strings.Join(codes, ", "))
}

// stringOperators apply to string and string-array fields.
var stringOperators = map[string]bool{
	OpEquals:       true,
	OpNotEquals:    true,
	OpContains:     true,
	OpNotContains:  true,
	OpMatchesRegex: true,
	OpIn:           true,
	OpNotIn:        true,
}

// numberOperators apply to numeric and date fields.
var numberOperators = map[string]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpIn:          true,
	OpNotIn:       true,
}

// boolOperators apply to boolean fields.
var boolOperators = map[string]bool{
	OpEquals:    true,
	OpNotEquals: true,
}

// fieldOperators pins the operator set each field accepts.
var fieldOperators = map[string]map[string]bool{
	FieldFrom:          stringOperators,
	FieldTo:            stringOperators,
	FieldCc:            stringOperators,
	FieldSubject:       stringOperators,
	FieldBody:          stringOperators,
	FieldLabel:         stringOperators,
	FieldHasAttachment: boolOperators,
	FieldThreadSize:    numberOperators,
	FieldDate:          numberOperators,
	FieldAgeDays:       numberOperators,
}

var knownTriggers = map[string]bool{
	TriggerOnNewEmail: true,
	TriggerManual:     true,
	TriggerScheduled:  true,
}

var knownActions = map[string]bool{
	ActionAddLabel:    true,
	ActionApplyLabel:  true,
	ActionRemoveLabel: true,
	ActionMarkRead:    true,
	ActionMarkUnread:  true,
	ActionArchive:     true,
	ActionMoveToTrash: true,
	ActionDelete:      true,
	ActionForward:     true,
	ActionMoveFolder:  true,
}

// actionsNeedingValue must carry a non-empty value (a label name, a
// destination address, a folder).
var actionsNeedingValue = map[string]bool{
	ActionAddLabel:    true,
	ActionApplyLabel:  true,
	ActionRemoveLabel: true,
	ActionForward:     true,
	ActionMoveFolder:  true,
}

// Validate checks a rule definition at write time. providerName scopes
// provider-specific findings; pass "" when the rule is not bound to one
// account. The returned issues mix errors and warnings; callers reject
// the rule when HasErrors.
func Validate(name, trigger string, conds []Condition, actions []Action, providerName string) []Issue {
	var issues []Issue
	add := func(code, field, severity string) {
		issues = append(issues, Issue{Code: code, Field: field, Severity: severity})
	}

	if strings.TrimSpace(name) == "" {
		add(CodeEmptyName, "name", SeverityError)
	}
	if !knownTriggers[trigger] {
		add(CodeUnknownTrigger, "trigger", SeverityError)
	}
	if len(conds) == 0 {
		add(CodeNoConditions, "conditions", SeverityError)
	}
	if len(actions) == 0 {
		add(CodeNoActions, "actions", SeverityError)
	}

	for i, c := range conds {
		field := fmt.Sprintf("conditions[%d]", i)
		ops, ok := fieldOperators[c.Field]
		if !ok {
			add(CodeUnknownField, field, SeverityError)
			continue
		}
		if !stringOperators[c.Operator] && !numberOperators[c.Operator] && !boolOperators[c.Operator] {
			add(CodeUnknownOperator, field, SeverityError)
			continue
		}
		if !ops[c.Operator] {
			add(CodeTypeMismatch, field, SeverityError)
			continue
		}
		issues = append(issues, validateValue(c, field)...)
	}

	issues = append(issues, validateActions(actions, providerName)...)
	return issues
}

func validateValue(c Condition, field string) []Issue {
	var issues []Issue
	add := func(code string) {
		issues = append(issues, Issue{Code: code, Field: field, Severity: SeverityError})
	}

	switch c.Operator {
	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			add(CodeEmptyValue)
		}
	case OpMatchesRegex:
		s, ok := c.Value.(string)
		if !ok || s == "" {
			add(CodeEmptyValue)
		} else if _, err := regexp.Compile(s); err != nil {
			add(CodeInvalidRegex)
		}
	default:
		switch c.Field {
		case FieldHasAttachment:
			if _, ok := c.Value.(bool); !ok {
				add(CodeTypeMismatch)
			}
		case FieldThreadSize, FieldAgeDays:
			if _, ok := c.Value.(float64); !ok {
				add(CodeTypeMismatch)
			}
		case FieldDate:
			s, ok := c.Value.(string)
			if !ok || s == "" {
				add(CodeEmptyValue)
			} else if _, perr := parseDateValue(s); perr != nil {
				add(CodeTypeMismatch)
			}
		default:
			if s, ok := c.Value.(string); !ok || s == "" {
				add(CodeEmptyValue)
			}
		}
	}
	return issues
}

func validateActions(actions []Action, providerName string) []Issue {
	var issues []Issue
	add := func(code, field, severity string) {
		issues = append(issues, Issue{Code: code, Field: field, Severity: severity})
	}

	hasMarkRead, hasMarkUnread := false, false
	appliedLabels := map[string]bool{}
	for i, a := range actions {
		field := fmt.Sprintf("actions[%d]", i)
		if !knownActions[a.Type] {
			add(CodeUnknownAction, field, SeverityError)
			continue
		}
		if actionsNeedingValue[a.Type] && strings.TrimSpace(a.Value) == "" {
			code := CodeActionNeedsValue
			if a.Type == ActionForward {
				code = CodeForwardWithoutTo
			}
			add(code, field, SeverityError)
		}

		switch a.Type {
		case ActionMarkRead:
			hasMarkRead = true
		case ActionMarkUnread:
			hasMarkUnread = true
		case ActionAddLabel, ActionApplyLabel:
			// Labels compare case-insensitively everywhere else, so two
			// applyLabel actions differing only in case are duplicates.
			label := strings.ToLower(strings.TrimSpace(a.Value))
			if label != "" {
				if appliedLabels[label] {
					add(CodeDuplicateLabelAction, field, SeverityError)
				}
				appliedLabels[label] = true
			}
		case ActionDelete:
			if i != len(actions)-1 {
				add(CodeDeleteNotLast, field, SeverityError)
			}
		case ActionMoveFolder:
			// Gmail has no real folders; the applier downgrades this to
			// applyLabel, so flag it but let the rule through.
			if providerName == store.ProviderGmail {
				add(CodeFolderUnsupported, field, SeverityWarning)
			}
		}
	}

	if hasMarkRead && hasMarkUnread {
		add(CodeConflictingActions, "actions", SeverityError)
	}
	return issues
}
