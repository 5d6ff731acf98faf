package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
)

// Rule is one stored automation rule. Conditions and Actions are kept as
// raw JSON at this layer; the rules package owns their shape.
type Rule struct {
	ID          int64
	AccountID   int64
	Name        string
	Description string
	Trigger     string
	Conditions  json.RawMessage
	Actions     json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const ruleColumns = `
	id, account_id, name, description, trigger_type,
	conditions, actions, is_active, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*Rule, error) {
	var r Rule
	var conditions, actions string
	var isActive int
	var createdAt, updatedAt string
	err := row.Scan(
		&r.ID, &r.AccountID, &r.Name, &r.Description, &r.Trigger,
		&conditions, &actions, &isActive, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Conditions = json.RawMessage(conditions)
	r.Actions = json.RawMessage(actions)
	r.IsActive = isActive != 0
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// CreateRule inserts a rule and returns its id.
func (s *Store) CreateRule(r *Rule) (int64, error) {
	now := nowUTC()
	result, err := s.db.Exec(`
		INSERT INTO rules (
			account_id, name, description, trigger_type,
			conditions, actions, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.AccountID, r.Name, r.Description, r.Trigger,
		string(r.Conditions), string(r.Actions), boolInt(r.IsActive), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// GetRule returns one rule by id.
func (s *Store) GetRule(id int64) (*Rule, error) {
	row := s.db.QueryRow(`SELECT`+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRules returns rules, optionally filtered to one account, newest first.
func (s *Store) ListRules(accountID int64) ([]*Rule, error) {
	query := `SELECT` + ruleColumns + ` FROM rules`
	var args []any
	if accountID != 0 {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule overwrites a rule's mutable fields.
func (s *Store) UpdateRule(r *Rule) error {
	if r.ID == 0 {
		return mailerr.Validation("rule id required")
	}
	return s.mustUpdate(`
		UPDATE rules
		SET name = ?, description = ?, trigger_type = ?,
			conditions = ?, actions = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, "rule", r.ID, r.Name, r.Description, r.Trigger,
		string(r.Conditions), string(r.Actions), boolInt(r.IsActive), nowUTC(), r.ID)
}

// DeleteRule removes a rule. Its audit rows cascade.
func (s *Store) DeleteRule(id int64) error {
	result, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("rule", id)
	}
	return nil
}
