package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
)

// RuleInput describes a rule to create or replace.
type RuleInput struct {
	AccountID   int64             `json:"accountId"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Trigger     string            `json:"trigger"`
	Conditions  []rules.Condition `json:"conditions"`
	Actions     []rules.Action    `json:"actions"`
	IsActive    bool              `json:"isActive"`
}

// RuleView is the catalogue view of one rule.
type RuleView struct {
	ID          int64             `json:"id"`
	AccountID   int64             `json:"accountId"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Trigger     string            `json:"trigger"`
	Conditions  []rules.Condition `json:"conditions"`
	Actions     []rules.Action    `json:"actions"`
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// CreateRuleResult carries the created rule or, when validation fails,
// the structured issues. Nothing is written when Issues has errors.
type CreateRuleResult struct {
	Rule   *RuleView     `json:"rule,omitempty"`
	Issues []rules.Issue `json:"issues,omitempty"`
}

// CreateRule validates and stores a rule. Warnings pass through; errors
// block the write.
func (s *Service) CreateRule(in RuleInput) (*CreateRuleResult, error) {
	acct, err := s.store.GetAccount(in.AccountID)
	if err != nil {
		return nil, err
	}

	issues := rules.Validate(in.Name, in.Trigger, in.Conditions, in.Actions, acct.Provider)
	if rules.HasErrors(issues) {
		return &CreateRuleResult{Issues: issues}, rules.ValidationError(issues)
	}

	conds, err := json.Marshal(in.Conditions)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindValidation, err, "encode conditions")
	}
	actions, err := json.Marshal(in.Actions)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindValidation, err, "encode actions")
	}

	rule := &store.Rule{
		AccountID:   in.AccountID,
		Name:        in.Name,
		Description: in.Description,
		Trigger:     in.Trigger,
		Conditions:  conds,
		Actions:     actions,
		IsActive:    in.IsActive,
	}
	if _, err := s.store.CreateRule(rule); err != nil {
		return nil, err
	}
	view, err := ruleView(rule)
	if err != nil {
		return nil, err
	}
	return &CreateRuleResult{Rule: view, Issues: issues}, nil
}

// ListRules lists rules, optionally for one account.
func (s *Service) ListRules(accountID int64) ([]RuleView, error) {
	stored, err := s.store.ListRules(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]RuleView, 0, len(stored))
	for _, r := range stored {
		view, err := ruleView(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *view)
	}
	return out, nil
}

// DeleteRule removes a rule and cascades its audit rows.
func (s *Service) DeleteRule(id int64) error {
	return s.store.DeleteRule(id)
}

func ruleView(r *store.Rule) (*RuleView, error) {
	conds, err := rules.DecodeConditions(r.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := rules.DecodeActions(r.Actions)
	if err != nil {
		return nil, err
	}
	return &RuleView{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Name:        r.Name,
		Description: r.Description,
		Trigger:     r.Trigger,
		Conditions:  conds,
		Actions:     actions,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
	}, nil
}

// ApplyRuleInput selects which emails a rule runs against. With no
// explicit EmailIDs the rule runs over the account's most recent emails,
// up to Limit (default 100).
type ApplyRuleInput struct {
	RuleID   int64   `json:"ruleId"`
	EmailIDs []int64 `json:"emailIds,omitempty"`
	DryRun   bool    `json:"dryRun,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// ApplyRule evaluates and applies a rule. Dry run reports what would
// happen without mutating anything.
func (s *Service) ApplyRule(ctx context.Context, in ApplyRuleInput) (*rules.Report, error) {
	rule, err := s.store.GetRule(in.RuleID)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccount(rule.AccountID)
	if err != nil {
		return nil, err
	}

	emails, err := s.ruleTargets(rule, in)
	if err != nil {
		return nil, err
	}

	engine, closeClient, err := s.ruleEngine(acct, rule)
	if err != nil {
		return nil, err
	}
	defer closeClient()

	return engine.Apply(ctx, rule, emails, rules.ApplyOptions{
		DryRun:   in.DryRun,
		Provider: acct.Provider,
	})
}

func (s *Service) ruleTargets(rule *store.Rule, in ApplyRuleInput) ([]*store.Email, error) {
	if len(in.EmailIDs) > 0 {
		emails := make([]*store.Email, 0, len(in.EmailIDs))
		for _, id := range in.EmailIDs {
			e, err := s.store.GetEmail(id)
			if err != nil {
				return nil, err
			}
			if e.AccountID != rule.AccountID {
				return nil, mailerr.Validation(
					"email %d belongs to account %d, not the rule's account %d",
					id, e.AccountID, rule.AccountID)
			}
			emails = append(emails, e)
		}
		return emails, nil
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	result, err := s.store.SearchEmails(store.SearchFilter{
		AccountID: rule.AccountID,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return result.Emails, nil
}

// ruleEngine builds a rule engine with forward and moveFolder wired to
// the account's adapter. The client is created lazily: rules without
// provider-touching actions never open a connection.
func (s *Service) ruleEngine(acct *store.Account, rule *store.Rule) (*rules.Engine, func(), error) {
	actions, err := rules.DecodeActions(rule.Actions)
	if err != nil {
		return nil, nil, err
	}
	needsClient := false
	for _, a := range actions {
		if a.Type == rules.ActionForward {
			needsClient = true
		}
		if a.Type == rules.ActionMoveFolder && acct.Provider != store.ProviderGmail {
			needsClient = true
		}
	}

	opts := []rules.Option{rules.WithLogger(s.logger)}
	closeClient := func() {}
	if needsClient {
		client, err := s.clientFor(acct)
		if err != nil {
			return nil, nil, err
		}
		closeClient = func() { _ = client.Close() }
		opts = append(opts,
			rules.WithForwarder(forwarder(client, acct)),
			rules.WithFolderMover(folderMover(client)))
	}
	return rules.NewEngine(s.store, opts...), closeClient, nil
}

// forwarder composes a forwarded copy of the email and sends it through
// the account's adapter.
func forwarder(client provider.Client, acct *store.Account) rules.Forwarder {
	return func(ctx context.Context, email *store.Email, to string) error {
		body := email.BodyText
		if body == "" {
			body = email.Snippet
		}
		msg := &mime.Outgoing{
			From:    store.Addr{Address: acct.Email, Name: acct.DisplayName},
			To:      []store.Addr{{Address: to}},
			Subject: "Fwd: " + email.Subject,
			BodyText: fmt.Sprintf(
				"---------- Forwarded message ----------\nFrom: %s\nDate: %s\nSubject: %s\n\n%s",
				email.From.Address, email.Date.Format(time.RFC1123Z), email.Subject, body),
		}
		_, err := client.SendMessage(ctx, msg)
		return err
	}
}

// folderMover routes moveFolder to the adapter's server-side move when
// it has one.
func folderMover(client provider.Client) rules.FolderMover {
	type mover interface {
		MoveFolder(ctx context.Context, id, folder string) error
	}
	return func(ctx context.Context, email *store.Email, folder string) error {
		m, ok := client.(mover)
		if !ok {
			return mailerr.Validation("provider %q cannot move messages between folders", client.Name())
		}
		return m.MoveFolder(ctx, email.ProviderMessageID, folder)
	}
}

// PreviewRollback computes the restore diff for an audit entry without
// applying it.
func (s *Service) PreviewRollback(auditID int64) (*rules.Diff, error) {
	return rules.NewEngine(s.store, rules.WithLogger(s.logger)).PreviewRollback(auditID)
}

// Rollback restores an email to the state an audit entry recorded.
func (s *Service) Rollback(auditID int64) (*rules.Diff, error) {
	return rules.NewEngine(s.store, rules.WithLogger(s.logger)).Rollback(auditID)
}

// RollbackRule undoes every rollbackable execution of a rule.
func (s *Service) RollbackRule(ruleID int64) ([]*rules.Diff, error) {
	return rules.NewEngine(s.store, rules.WithLogger(s.logger)).RollbackRule(ruleID)
}

// AuditEntryView is the catalogue view of one audit row.
type AuditEntryView struct {
	ID         int64           `json:"id"`
	RuleID     int64           `json:"ruleId"`
	EmailID    int64           `json:"emailId"`
	Matched    bool            `json:"matched"`
	Actions    json.RawMessage `json:"actions"`
	DryRun     bool            `json:"dryRun"`
	Error      string          `json:"error,omitempty"`
	RolledBack bool            `json:"rolledBack"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// AuditLog lists rule executions, newest first.
func (s *Service) AuditLog(ruleID, emailID int64, limit int) ([]AuditEntryView, error) {
	entries, err := s.store.ListAuditLog(store.AuditFilter{
		RuleID:  ruleID,
		EmailID: emailID,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryView{
			ID:         e.ID,
			RuleID:     e.RuleID,
			EmailID:    e.EmailID,
			Matched:    e.Matched,
			Actions:    e.ActionsApplied,
			DryRun:     e.DryRun,
			Error:      e.Error,
			RolledBack: e.RolledBack,
			ExecutedAt: e.ExecutedAt,
		})
	}
	return out, nil
}

// SyncStatsView aggregates an account's sync history.
type SyncStatsView struct {
	AccountID  int64              `json:"accountId"`
	Summary    *store.SyncSummary `json:"summary"`
	RecentRuns []*store.SyncMetric `json:"recentRuns,omitempty"`
}

// SyncStats reports an account's sync summary plus its most recent runs.
func (s *Service) SyncStats(accountID int64, recent int) (*SyncStatsView, error) {
	if _, err := s.store.GetAccount(accountID); err != nil {
		return nil, err
	}
	summary, err := s.store.GetSyncSummary(accountID)
	if err != nil {
		return nil, err
	}
	if recent <= 0 {
		recent = 10
	}
	runs, err := s.store.ListSyncMetrics(accountID, recent)
	if err != nil {
		return nil, err
	}
	return &SyncStatsView{AccountID: accountID, Summary: summary, RecentRuns: runs}, nil
}
