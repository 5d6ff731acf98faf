package rules

import (
	"strings"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// Diff is the label/flag delta a rollback would apply: remove the labels
// the rule added, restore the labels it removed, and reset flags to the
// pre-application set.
type Diff struct {
	EmailID      int64    `json:"emailId"`
	RemoveLabels []string `json:"removeLabels"`
	AddLabels    []string `json:"addLabels"`
	SetFlags     []string `json:"setFlags"`
}

// Empty reports whether the rollback would change nothing.
func (d *Diff) Empty() bool {
	return len(d.RemoveLabels) == 0 && len(d.AddLabels) == 0
}

// PreviewRollback computes the diff for one audit entry without applying
// it. The entry must be rollbackable: matched, not a dry run, not failed,
// not already rolled back.
func (e *Engine) PreviewRollback(auditID int64) (*Diff, error) {
	entry, email, before, err := e.rollbackTarget(auditID)
	if err != nil {
		return nil, err
	}
	return computeDiff(entry.EmailID, email, before), nil
}

// Rollback restores the email named by an audit entry to its recorded
// stateBefore and marks the entry rolled back. Interleaved changes since
// the rule ran are overwritten: stateBefore is the ground truth.
func (e *Engine) Rollback(auditID int64) (*Diff, error) {
	entry, email, before, err := e.rollbackTarget(auditID)
	if err != nil {
		return nil, err
	}
	diff := computeDiff(entry.EmailID, email, before)

	if len(diff.RemoveLabels) > 0 {
		if err := e.store.RemoveLabels(entry.EmailID, diff.RemoveLabels); err != nil {
			return nil, err
		}
	}
	if len(diff.AddLabels) > 0 {
		if err := e.store.AddLabels(entry.EmailID, diff.AddLabels); err != nil {
			return nil, err
		}
	}
	if err := e.store.SetFlags(entry.EmailID, diff.SetFlags); err != nil {
		return nil, err
	}
	if err := e.store.MarkRolledBack(auditID); err != nil {
		return nil, err
	}
	e.logger.Info("rolled back rule execution",
		"audit_id", auditID, "rule_id", entry.RuleID, "email_id", entry.EmailID)
	return diff, nil
}

// RollbackRule rolls back every rollbackable execution of a rule, most
// recent first. Entries whose email has since been deleted are skipped.
func (e *Engine) RollbackRule(ruleID int64) ([]*Diff, error) {
	entries, err := e.store.RollbackCandidates(ruleID)
	if err != nil {
		return nil, err
	}
	return e.rollbackAll(entries)
}

// RollbackEmail rolls back every rollbackable execution against one
// email, most recent first.
func (e *Engine) RollbackEmail(emailID int64) ([]*Diff, error) {
	entries, err := e.store.ListAuditLog(store.AuditFilter{EmailID: emailID})
	if err != nil {
		return nil, err
	}
	var candidates []*store.AuditEntry
	for _, entry := range entries {
		if entry.Matched && !entry.DryRun && !entry.RolledBack && entry.Error == "" {
			candidates = append(candidates, entry)
		}
	}
	return e.rollbackAll(candidates)
}

func (e *Engine) rollbackAll(entries []*store.AuditEntry) ([]*Diff, error) {
	var diffs []*Diff
	for _, entry := range entries {
		diff, err := e.Rollback(entry.ID)
		if mailerr.IsKind(err, mailerr.KindNotFound) {
			continue // email deleted since the rule ran
		}
		if err != nil {
			return diffs, err
		}
		diffs = append(diffs, diff)
	}
	return diffs, nil
}

// rollbackTarget loads and checks an audit entry and its email.
func (e *Engine) rollbackTarget(auditID int64) (*store.AuditEntry, *store.Email, Snapshot, error) {
	var zero Snapshot
	entry, err := e.store.GetAuditEntry(auditID)
	if err != nil {
		return nil, nil, zero, err
	}
	if entry.RolledBack {
		return nil, nil, zero, mailerr.Validation(
			"audit entry %d was already rolled back at %s",
			auditID, entry.RolledBackAt.Format(time.RFC3339))
	}
	if entry.DryRun {
		return nil, nil, zero, mailerr.Validation("audit entry %d is a dry run; nothing to roll back", auditID)
	}
	if !entry.Matched {
		return nil, nil, zero, mailerr.Validation("audit entry %d matched nothing; nothing to roll back", auditID)
	}
	if entry.Error != "" {
		return nil, nil, zero, mailerr.Validation("audit entry %d recorded a failure; nothing to roll back", auditID)
	}

	before, err := decodeSnapshot(entry.StateBefore)
	if err != nil {
		return nil, nil, zero, err
	}
	email, err := e.store.GetEmail(entry.EmailID)
	if err != nil {
		return nil, nil, zero, err
	}
	return entry, email, before, nil
}

func computeDiff(emailID int64, current *store.Email, before Snapshot) *Diff {
	diff := &Diff{
		EmailID:  emailID,
		SetFlags: append([]string(nil), before.Flags...),
	}
	for _, l := range current.Labels {
		if !containsFold(before.Labels, l) {
			diff.RemoveLabels = append(diff.RemoveLabels, l)
		}
	}
	for _, l := range before.Labels {
		if !containsFold(current.Labels, l) {
			diff.AddLabels = append(diff.AddLabels, l)
		}
	}
	return diff
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
