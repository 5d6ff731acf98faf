package rules

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// Forwarder sends a matched email onward to another address. Wired by
// the caller to the account's provider adapter.
type Forwarder func(ctx context.Context, email *store.Email, to string) error

// FolderMover moves a matched email to a server-side folder (IMAP).
type FolderMover func(ctx context.Context, email *store.Email, folder string) error

// Engine applies rules to emails and writes the audit trail.
type Engine struct {
	store   *store.Store
	logger  *slog.Logger
	forward Forwarder
	move    FolderMover
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithForwarder wires the forward action to a provider adapter.
func WithForwarder(f Forwarder) Option {
	return func(e *Engine) { e.forward = f }
}

// WithFolderMover wires the moveFolder action to a provider adapter.
func WithFolderMover(m FolderMover) Option {
	return func(e *Engine) { e.move = m }
}

// NewEngine creates a rule engine over the store.
func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyOptions tune one Apply invocation.
type ApplyOptions struct {
	// DryRun evaluates and describes without mutating or auditing.
	DryRun bool
	// Provider is the account's provider name; moveFolder downgrades
	// to applyLabel on Gmail.
	Provider string
}

// EmailResult is the outcome for one email.
type EmailResult struct {
	EmailID int64    `json:"emailId"`
	Matched bool     `json:"matched"`
	Actions []string `json:"actions,omitempty"`
	Error   string   `json:"error,omitempty"`
	AuditID int64    `json:"auditId,omitempty"`
}

// Report is the outcome of applying one rule to a set of emails.
type Report struct {
	RuleID    int64         `json:"ruleId"`
	DryRun    bool          `json:"dryRun"`
	Evaluated int           `json:"evaluated"`
	Matched   int           `json:"matched"`
	Results   []EmailResult `json:"results"`
}

// Apply evaluates a rule against the given emails and, outside dry run,
// applies its actions and appends audit rows in input order. A failure
// on one email is recorded and the run continues.
func (e *Engine) Apply(ctx context.Context, rule *store.Rule, emails []*store.Email, opts ApplyOptions) (*Report, error) {
	conds, err := DecodeConditions(rule.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := DecodeActions(rule.Actions)
	if err != nil {
		return nil, err
	}

	needThreadSize := false
	for _, c := range conds {
		if c.Field == FieldThreadSize {
			needThreadSize = true
			break
		}
	}

	report := &Report{RuleID: rule.ID, DryRun: opts.DryRun}
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := e.applyOne(ctx, rule, conds, actions, email, opts, needThreadSize)
		report.Evaluated++
		if result.Matched {
			report.Matched++
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func (e *Engine) applyOne(ctx context.Context, rule *store.Rule, conds []Condition, actions []Action, email *store.Email, opts ApplyOptions, needThreadSize bool) EmailResult {
	result := EmailResult{EmailID: email.ID}

	env := &Env{Email: email, ThreadSize: 1, Now: nowFunc()}
	if needThreadSize && email.ThreadID != "" {
		if thread, err := e.store.GetThread(email.AccountID, email.ThreadID); err == nil {
			env.ThreadSize = len(thread)
		}
	}

	result.Matched = Matches(conds, env)
	if result.Matched {
		result.Actions = describeActions(actions, opts.Provider)
	}

	if opts.DryRun {
		return result
	}

	before := snapshotOf(email)
	var applied []string
	var applyErr error
	if result.Matched {
		applied, applyErr = e.runActions(ctx, email, actions, opts.Provider)
	}
	if applyErr != nil {
		result.Error = applyErr.Error()
		e.logger.Warn("rule action failed",
			"rule_id", rule.ID, "email_id", email.ID, "error", applyErr)
	}

	entry := &store.AuditEntry{
		RuleID:         rule.ID,
		EmailID:        email.ID,
		Matched:        result.Matched,
		ActionsApplied: encodeActionList(applied),
		Error:          result.Error,
		StateBefore:    before.encode(),
	}
	if result.Matched && applyErr == nil {
		if after, err := e.store.GetEmail(email.ID); err == nil {
			entry.StateAfter = snapshotOf(after).encode()
		}
	}
	auditID, err := e.store.AppendAudit(entry)
	if err != nil {
		e.logger.Error("append audit entry",
			"rule_id", rule.ID, "email_id", email.ID, "error", err)
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result
	}
	result.AuditID = auditID
	return result
}

// runActions applies actions in declared order, stopping at the first
// failure. Returns the descriptions of the actions that landed.
func (e *Engine) runActions(ctx context.Context, email *store.Email, actions []Action, providerName string) ([]string, error) {
	var applied []string
	for _, a := range actions {
		if err := e.runAction(ctx, email, a, providerName); err != nil {
			return applied, err
		}
		applied = append(applied, describeAction(a, providerName))
	}
	return applied, nil
}

func (e *Engine) runAction(ctx context.Context, email *store.Email, a Action, providerName string) error {
	switch a.Type {
	case ActionAddLabel, ActionApplyLabel:
		return e.store.AddLabels(email.ID, []string{a.Value})
	case ActionRemoveLabel:
		return e.store.RemoveLabels(email.ID, []string{a.Value})
	case ActionMarkRead:
		return e.store.AddFlag(email.ID, store.FlagSeen)
	case ActionMarkUnread:
		return e.store.RemoveFlag(email.ID, store.FlagSeen)
	case ActionArchive:
		return e.store.RemoveLabels(email.ID, []string{labelInbox})
	case ActionMoveToTrash, ActionDelete:
		// Hard delete stays aliased to trash until the provider
		// permanent-delete path is wired through here.
		if err := e.store.AddLabels(email.ID, []string{labelTrash}); err != nil {
			return err
		}
		return e.store.RemoveLabels(email.ID, []string{labelInbox})
	case ActionForward:
		if e.forward == nil {
			return mailerr.Validation("forward action requires a connected account")
		}
		return e.forward(ctx, email, a.Value)
	case ActionMoveFolder:
		if providerName == store.ProviderGmail {
			return e.store.AddLabels(email.ID, []string{a.Value})
		}
		if e.move == nil {
			return mailerr.Validation("moveFolder action requires a connected account")
		}
		if err := e.move(ctx, email, a.Value); err != nil {
			return err
		}
		return e.store.SetLabels(email.ID, []string{a.Value})
	}
	return mailerr.Validation("unknown action %q", a.Type)
}

func describeActions(actions []Action, providerName string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, describeAction(a, providerName))
	}
	return out
}

func describeAction(a Action, providerName string) string {
	if a.Type == ActionMoveFolder && providerName == store.ProviderGmail {
		return ActionApplyLabel + "(" + a.Value + ")"
	}
	if a.Value != "" {
		return a.Type + "(" + a.Value + ")"
	}
	return a.Type
}

func encodeActionList(applied []string) json.RawMessage {
	if applied == nil {
		applied = []string{}
	}
	data, err := json.Marshal(applied)
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return data
}
