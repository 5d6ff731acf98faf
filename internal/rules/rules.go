// Package rules implements the automation rule engine: typed conditions
// and actions, write-time validation, dry-run evaluation, audited
// application, and state-restoring rollback.
package rules

import (
	"encoding/json"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Trigger names.
const (
	TriggerOnNewEmail = "onNewEmail"
	TriggerManual     = "manual"
	TriggerScheduled  = "scheduled"
)

// Condition fields.
const (
	FieldFrom          = "from"
	FieldTo            = "to"
	FieldCc            = "cc"
	FieldSubject       = "subject"
	FieldBody          = "body"
	FieldLabel         = "label"
	FieldHasAttachment = "hasAttachment"
	FieldThreadSize    = "threadSize"
	FieldDate          = "date"
	FieldAgeDays       = "ageDays"
)

// Condition operators.
const (
	OpEquals       = "equals"
	OpNotEquals    = "notEquals"
	OpContains     = "contains"
	OpNotContains  = "notContains"
	OpMatchesRegex = "matchesRegex"
	OpGreaterThan  = "greaterThan"
	OpLessThan     = "lessThan"
	OpIn           = "in"
	OpNotIn        = "notIn"
)

// Action types.
const (
	ActionAddLabel    = "addLabel"
	ActionApplyLabel  = "applyLabel" // alias of addLabel
	ActionRemoveLabel = "removeLabel"
	ActionMarkRead    = "markRead"
	ActionMarkUnread  = "markUnread"
	ActionArchive     = "archive"
	ActionMoveToTrash = "moveToTrash"
	ActionDelete      = "delete" // aliased to trash for now
	ActionForward     = "forward"
	ActionMoveFolder  = "moveFolder" // IMAP only
)

// Labels with engine-level meaning.
const (
	labelInbox = "INBOX"
	labelTrash = "TRASH"
)

// Condition is one (field, operator, value) predicate. Value carries
// whatever JSON the rule author wrote; the validator pins its type.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Action is one mutation to apply to a matched email.
type Action struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// DecodeConditions parses the store's raw condition JSON.
func DecodeConditions(raw json.RawMessage) ([]Condition, error) {
	var conds []Condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, mailerr.Wrap(mailerr.KindValidation, err, "parse rule conditions")
	}
	return conds, nil
}

// DecodeActions parses the store's raw action JSON.
func DecodeActions(raw json.RawMessage) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, mailerr.Wrap(mailerr.KindValidation, err, "parse rule actions")
	}
	return actions, nil
}

// Snapshot is the audit state captured around rule application: the
// mutable surface rollback can restore.
type Snapshot struct {
	Labels       []string  `json:"labels"`
	Flags        []string  `json:"flags"`
	LastModified time.Time `json:"lastModified"`
}

func snapshotOf(e *store.Email) Snapshot {
	return Snapshot{
		Labels:       append([]string(nil), e.Labels...),
		Flags:        append([]string(nil), e.Flags...),
		LastModified: e.UpdatedAt,
	}
}

func (s Snapshot) encode() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func decodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, mailerr.Wrap(mailerr.KindIntegrity, err, "parse audit snapshot")
	}
	return s, nil
}
