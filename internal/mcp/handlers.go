package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/intentmail/intentmail/internal/ops"
)

const maxLimit = 1000

type handlers struct {
	service *ops.Service
}

// envelope folds a payload into the {success, ..., message} shape. The
// payload's fields are inlined when it marshals to an object; otherwise
// it lands under the given key.
func envelope(key string, payload any) (*mcp.CallToolResult, error) {
	out := map[string]any{"success": true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errResult(fmt.Errorf("marshal payload: %w", err))
		}
		var fields map[string]any
		if json.Unmarshal(data, &fields) == nil {
			for k, v := range fields {
				out[k] = v
			}
		} else {
			out[key] = json.RawMessage(data)
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errResult(err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errResult folds a failure into {success:false, message}. Tool-level
// failures never become protocol errors.
func errResult(err error) (*mcp.CallToolResult, error) {
	data, merr := json.Marshal(map[string]any{
		"success": false,
		"message": err.Error(),
	})
	if merr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// getIDArg extracts a required positive integer ID from the arguments map.
func getIDArg(args map[string]any, key string) (int64, error) {
	v, ok := args[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%s parameter is required", key)
	}
	if v != math.Trunc(v) || v < 1 || v > math.MaxInt64 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return int64(v), nil
}

// optIDArg extracts an optional positive integer ID; absent yields 0.
func optIDArg(args map[string]any, key string) int64 {
	v, ok := args[key].(float64)
	if !ok || v < 1 || v != math.Trunc(v) {
		return 0
	}
	return int64(v)
}

// limitArg extracts a non-negative integer with a default. JSON numbers
// arrive as float64; values are clamped to maxLimit.
func limitArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > float64(maxLimit) {
		return maxLimit
	}
	return int(v)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

func optBoolArg(args map[string]any, key string) *bool {
	if v, ok := args[key].(bool); ok {
		return &v
	}
	return nil
}

func stringListArg(args map[string]any, key string) []string {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func idListArg(args map[string]any, key string) []int64 {
	items, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		if v, ok := item.(float64); ok && v >= 1 && v == math.Trunc(v) {
			out = append(out, int64(v))
		}
	}
	return out
}

// decodeArg re-marshals a JSON argument value into a typed destination.
func decodeArg(args map[string]any, key string, dst any) error {
	v, ok := args[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid %s: %v", key, err)
	}
	return nil
}

func (h *handlers) listAccounts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accounts, err := h.service.ListAccounts()
	if err != nil {
		return errResult(err)
	}
	return envelope("accounts", map[string]any{"accounts": accounts})
}

func (h *handlers) startOAuth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	providerName := stringArg(args, "provider")
	if providerName == "" {
		return errResult(fmt.Errorf("provider parameter is required"))
	}
	start, err := h.service.StartOAuth(providerName)
	if err != nil {
		return errResult(err)
	}
	return envelope("oauth", start)
}

func (h *handlers) completeOAuth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	info, err := h.service.CompleteOAuth(ctx, stringArg(args, "state"), stringArg(args, "code"))
	if err != nil {
		return errResult(err)
	}
	return envelope("account", map[string]any{"account": info})
}

func (h *handlers) imapAuth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	result, err := h.service.IMAPAuth(ctx, ops.IMAPAuthInput{
		Email:    stringArg(args, "email"),
		Password: stringArg(args, "password"),
		IMAPHost: stringArg(args, "imap_host"),
		IMAPPort: limitArg(args, "imap_port", 0),
		SMTPHost: stringArg(args, "smtp_host"),
		SMTPPort: limitArg(args, "smtp_port", 0),
	})
	if err != nil {
		return errResult(err)
	}
	return envelope("result", result)
}

func (h *handlers) sync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if id := optIDArg(args, "account_id"); id != 0 {
		result, err := h.service.Sync(ctx, id)
		if err != nil {
			return errResult(err)
		}
		return envelope("result", result)
	}
	results, err := h.service.SyncAll(ctx)
	if err != nil {
		return errResult(err)
	}
	return envelope("results", map[string]any{"results": results})
}

func (h *handlers) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	out, err := h.service.Search(ops.SearchInput{
		AccountID:      optIDArg(args, "account_id"),
		Query:          stringArg(args, "query"),
		From:           stringArg(args, "from"),
		To:             stringArg(args, "to"),
		Subject:        stringArg(args, "subject"),
		Label:          stringArg(args, "label"),
		ThreadID:       stringArg(args, "thread_id"),
		HasAttachments: optBoolArg(args, "has_attachments"),
		Unread:         optBoolArg(args, "unread"),
		Flagged:        optBoolArg(args, "flagged"),
		After:          stringArg(args, "after"),
		Before:         stringArg(args, "before"),
		Limit:          limitArg(args, "limit", 50),
		Offset:         limitArg(args, "offset", 0),
	})
	if err != nil {
		return errResult(err)
	}
	return envelope("result", out)
}

func (h *handlers) getThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	accountID, err := getIDArg(args, "account_id")
	if err != nil {
		return errResult(err)
	}
	emails, err := h.service.GetThread(accountID, stringArg(args, "thread_id"))
	if err != nil {
		return errResult(err)
	}
	return envelope("emails", map[string]any{"emails": emails})
}

func (h *handlers) send(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	accountID, err := getIDArg(args, "account_id")
	if err != nil {
		return errResult(err)
	}
	result, err := h.service.Send(ctx, ops.SendInput{
		AccountID:      accountID,
		To:             stringListArg(args, "to"),
		Cc:             stringListArg(args, "cc"),
		Bcc:            stringListArg(args, "bcc"),
		Subject:        stringArg(args, "subject"),
		BodyText:       stringArg(args, "body_text"),
		BodyHTML:       stringArg(args, "body_html"),
		ReplyToEmailID: optIDArg(args, "reply_to_email_id"),
	})
	if err != nil {
		return errResult(err)
	}
	return envelope("result", result)
}

func (h *handlers) applyLabel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	emailID, err := getIDArg(args, "email_id")
	if err != nil {
		return errResult(err)
	}
	email, err := h.service.ApplyLabel(ctx, emailID,
		stringListArg(args, "add"), stringListArg(args, "remove"))
	if err != nil {
		return errResult(err)
	}
	return envelope("email", map[string]any{
		"emailId": email.ID,
		"labels":  email.Labels,
	})
}

func (h *handlers) listFolders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	accountID, err := getIDArg(args, "account_id")
	if err != nil {
		return errResult(err)
	}
	folders, err := h.service.ListFolders(ctx, accountID)
	if err != nil {
		return errResult(err)
	}
	return envelope("folders", map[string]any{"folders": folders})
}

func (h *handlers) listAttachments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	emailID, err := getIDArg(args, "email_id")
	if err != nil {
		return errResult(err)
	}
	atts, err := h.service.ListAttachments(emailID)
	if err != nil {
		return errResult(err)
	}
	return envelope("attachments", map[string]any{"attachments": atts})
}

func (h *handlers) getAttachment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := getIDArg(args, "attachment_id")
	if err != nil {
		return errResult(err)
	}
	content, err := h.service.GetAttachment(ctx, id)
	if err != nil {
		return errResult(err)
	}
	return envelope("attachment", content)
}

func (h *handlers) createRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	accountID, err := getIDArg(args, "account_id")
	if err != nil {
		return errResult(err)
	}
	in := ops.RuleInput{
		AccountID:   accountID,
		Name:        stringArg(args, "name"),
		Description: stringArg(args, "description"),
		Trigger:     stringArg(args, "trigger"),
		IsActive:    true,
	}
	if v, ok := boolArg(args, "is_active"); ok {
		in.IsActive = v
	}
	if err := decodeArg(args, "conditions", &in.Conditions); err != nil {
		return errResult(err)
	}
	if err := decodeArg(args, "actions", &in.Actions); err != nil {
		return errResult(err)
	}

	result, err := h.service.CreateRule(in)
	if err != nil {
		// Structured validation issues travel alongside the message.
		if result != nil && len(result.Issues) > 0 {
			data, merr := json.Marshal(map[string]any{
				"success": false,
				"message": err.Error(),
				"errors":  result.Issues,
			})
			if merr == nil {
				return mcp.NewToolResultText(string(data)), nil
			}
		}
		return errResult(err)
	}
	return envelope("result", result)
}

func (h *handlers) listRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	ruleList, err := h.service.ListRules(optIDArg(args, "account_id"))
	if err != nil {
		return errResult(err)
	}
	return envelope("rules", map[string]any{"rules": ruleList})
}

func (h *handlers) deleteRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := getIDArg(args, "rule_id")
	if err != nil {
		return errResult(err)
	}
	if err := h.service.DeleteRule(id); err != nil {
		return errResult(err)
	}
	return envelope("", nil)
}

func (h *handlers) applyRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	ruleID, err := getIDArg(args, "rule_id")
	if err != nil {
		return errResult(err)
	}
	dryRun, _ := boolArg(args, "dry_run")
	report, err := h.service.ApplyRule(ctx, ops.ApplyRuleInput{
		RuleID:   ruleID,
		EmailIDs: idListArg(args, "email_ids"),
		DryRun:   dryRun,
		Limit:    limitArg(args, "limit", 100),
	})
	if err != nil {
		return errResult(err)
	}
	return envelope("report", report)
}

func (h *handlers) previewRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, err := getIDArg(args, "audit_id")
	if err != nil {
		return errResult(err)
	}
	diff, err := h.service.PreviewRollback(id)
	if err != nil {
		return errResult(err)
	}
	return envelope("diff", map[string]any{"diff": diff})
}

func (h *handlers) rollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if auditID := optIDArg(args, "audit_id"); auditID != 0 {
		diff, err := h.service.Rollback(auditID)
		if err != nil {
			return errResult(err)
		}
		return envelope("diff", map[string]any{"diff": diff})
	}
	if ruleID := optIDArg(args, "rule_id"); ruleID != 0 {
		diffs, err := h.service.RollbackRule(ruleID)
		if err != nil {
			return errResult(err)
		}
		return envelope("diffs", map[string]any{"diffs": diffs, "rolledBack": len(diffs)})
	}
	return errResult(fmt.Errorf("audit_id or rule_id is required"))
}

func (h *handlers) syncStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	accountID, err := getIDArg(args, "account_id")
	if err != nil {
		return errResult(err)
	}
	stats, err := h.service.SyncStats(accountID, limitArg(args, "limit", 10))
	if err != nil {
		return errResult(err)
	}
	return envelope("stats", stats)
}

func (h *handlers) auditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	entries, err := h.service.AuditLog(
		optIDArg(args, "rule_id"),
		optIDArg(args, "email_id"),
		limitArg(args, "limit", 50))
	if err != nil {
		return errResult(err)
	}
	return envelope("entries", map[string]any{"entries": entries})
}
