package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry records one rule execution against one email. StateBefore is
// always captured; StateAfter stays nil for dry runs and for executions
// that matched nothing.
type AuditEntry struct {
	ID             int64
	RuleID         int64
	EmailID        int64
	Matched        bool
	ActionsApplied json.RawMessage
	DryRun         bool
	Error          string
	StateBefore    json.RawMessage
	StateAfter     json.RawMessage
	RolledBack     bool
	RolledBackAt   time.Time
	ExecutedAt     time.Time
}

const auditColumns = `
	id, rule_id, email_id, matched, actions_applied, dry_run, error,
	state_before, state_after, rolled_back, rolled_back_at, executed_at`

func scanAudit(row interface{ Scan(...any) error }) (*AuditEntry, error) {
	var a AuditEntry
	var matched, dryRun, rolledBack int
	var actionsApplied, stateBefore string
	var stateAfter sql.NullString
	var rolledBackAt, executedAt string
	err := row.Scan(
		&a.ID, &a.RuleID, &a.EmailID, &matched, &actionsApplied, &dryRun, &a.Error,
		&stateBefore, &stateAfter, &rolledBack, &rolledBackAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Matched = matched != 0
	a.ActionsApplied = json.RawMessage(actionsApplied)
	a.DryRun = dryRun != 0
	a.StateBefore = json.RawMessage(stateBefore)
	if stateAfter.Valid {
		a.StateAfter = json.RawMessage(stateAfter.String)
	}
	a.RolledBack = rolledBack != 0
	a.RolledBackAt = parseTime(rolledBackAt)
	a.ExecutedAt = parseTime(executedAt)
	return &a, nil
}

// AppendAudit inserts an audit entry and returns its id.
func (s *Store) AppendAudit(a *AuditEntry) (int64, error) {
	var stateAfter any
	if a.StateAfter != nil {
		stateAfter = string(a.StateAfter)
	}
	actions := string(a.ActionsApplied)
	if actions == "" {
		actions = "[]"
	}

	result, err := s.db.Exec(`
		INSERT INTO audit_log (
			rule_id, email_id, matched, actions_applied, dry_run, error,
			state_before, state_after, rolled_back, rolled_back_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)
	`, a.RuleID, a.EmailID, boolInt(a.Matched), actions, boolInt(a.DryRun), a.Error,
		string(a.StateBefore), stateAfter, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// GetAuditEntry returns one audit entry by id.
func (s *Store) GetAuditEntry(id int64) (*AuditEntry, error) {
	row := s.db.QueryRow(`SELECT`+auditColumns+` FROM audit_log WHERE id = ?`, id)
	a, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, notFound("audit entry", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AuditFilter narrows ListAuditLog. Zero values mean "no constraint".
type AuditFilter struct {
	RuleID  int64
	EmailID int64
	Limit   int
}

// ListAuditLog returns audit entries newest first.
func (s *Store) ListAuditLog(f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT` + auditColumns + ` FROM audit_log`
	var conds []string
	var args []any
	if f.RuleID != 0 {
		conds = append(conds, `rule_id = ?`)
		args = append(args, f.RuleID)
	}
	if f.EmailID != 0 {
		conds = append(conds, `email_id = ?`)
		args = append(args, f.EmailID)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY executed_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// RollbackCandidates returns the non-dry-run, matched, not-yet-rolled-back
// entries for a rule, most recent execution first.
func (s *Store) RollbackCandidates(ruleID int64) ([]*AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT`+auditColumns+` FROM audit_log
		WHERE rule_id = ? AND matched = 1 AND dry_run = 0 AND rolled_back = 0 AND error = ''
		ORDER BY executed_at DESC, id DESC
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("rollback candidates: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}
	return entries, rows.Err()
}

// MarkRolledBack flags an audit entry as undone.
func (s *Store) MarkRolledBack(id int64) error {
	return s.mustUpdate(`
		UPDATE audit_log SET rolled_back = 1, rolled_back_at = ? WHERE id = ?
	`, "audit entry", id, nowUTC(), id)
}
