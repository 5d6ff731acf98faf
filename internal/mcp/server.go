// Package mcp exposes the operation catalogue as MCP tools over stdio.
// Every tool folds its outcome into a {success, ..., message} envelope;
// errors never propagate to the dispatcher as protocol failures.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/intentmail/intentmail/internal/ops"
)

// Tool name constants.
const (
	ToolListAccounts    = "list_accounts"
	ToolStartOAuth      = "start_oauth"
	ToolCompleteOAuth   = "complete_oauth"
	ToolIMAPAuth        = "imap_auth"
	ToolSync            = "sync"
	ToolSearch          = "search"
	ToolGetThread       = "get_thread"
	ToolSend            = "send"
	ToolApplyLabel      = "apply_label"
	ToolListFolders     = "list_folders"
	ToolListAttachments = "list_attachments"
	ToolGetAttachment   = "get_attachment"
	ToolCreateRule      = "create_rule"
	ToolListRules       = "list_rules"
	ToolDeleteRule      = "delete_rule"
	ToolApplyRule       = "apply_rule"
	ToolPreviewRollback = "preview_rollback"
	ToolRollback        = "rollback"
	ToolSyncStats       = "sync_stats"
	ToolAuditLog        = "audit_log"
)

// Common argument helpers for recurring tool option definitions.

func withAccountID(required bool) mcp.ToolOption {
	desc := mcp.Description("Account ID (from list_accounts)")
	if required {
		return mcp.WithNumber("account_id", mcp.Required(), desc)
	}
	return mcp.WithNumber("account_id", desc)
}

func withLimit(defaultDesc string) mcp.ToolOption {
	return mcp.WithNumber("limit",
		mcp.Description("Maximum results to return (default "+defaultDesc+")"),
	)
}

// Serve registers the tools and serves over stdio. It blocks until stdin
// is closed or the context is cancelled.
func Serve(ctx context.Context, service *ops.Service) error {
	s := server.NewMCPServer(
		"intentmail",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	h := &handlers{service: service}

	s.AddTool(listAccountsTool(), h.listAccounts)
	s.AddTool(startOAuthTool(), h.startOAuth)
	s.AddTool(completeOAuthTool(), h.completeOAuth)
	s.AddTool(imapAuthTool(), h.imapAuth)
	s.AddTool(syncTool(), h.sync)
	s.AddTool(searchTool(), h.search)
	s.AddTool(getThreadTool(), h.getThread)
	s.AddTool(sendTool(), h.send)
	s.AddTool(applyLabelTool(), h.applyLabel)
	s.AddTool(listFoldersTool(), h.listFolders)
	s.AddTool(listAttachmentsTool(), h.listAttachments)
	s.AddTool(getAttachmentTool(), h.getAttachment)
	s.AddTool(createRuleTool(), h.createRule)
	s.AddTool(listRulesTool(), h.listRules)
	s.AddTool(deleteRuleTool(), h.deleteRule)
	s.AddTool(applyRuleTool(), h.applyRule)
	s.AddTool(previewRollbackTool(), h.previewRollback)
	s.AddTool(rollbackTool(), h.rollback)
	s.AddTool(syncStatsTool(), h.syncStats)
	s.AddTool(auditLogTool(), h.auditLog)

	stdio := server.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func listAccountsTool() mcp.Tool {
	return mcp.NewTool(ToolListAccounts,
		mcp.WithDescription("List configured email accounts with provider, auth type, and message counts."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func startOAuthTool() mcp.Tool {
	return mcp.NewTool(ToolStartOAuth,
		mcp.WithDescription("Begin OAuth authorization for a Gmail or Outlook account. Returns the URL the user must visit and the state for complete_oauth."),
		mcp.WithString("provider",
			mcp.Required(),
			mcp.Description("Mail provider"),
			mcp.Enum("gmail", "outlook"),
		),
	)
}

func completeOAuthTool() mcp.Tool {
	return mcp.NewTool(ToolCompleteOAuth,
		mcp.WithDescription("Finish OAuth authorization with the state and code from the callback; creates the account."),
		mcp.WithString("state", mcp.Required(), mcp.Description("State returned by start_oauth")),
		mcp.WithString("code", mcp.Required(), mcp.Description("Authorization code from the provider callback")),
	)
}

func imapAuthTool() mcp.Tool {
	return mcp.NewTool(ToolIMAPAuth,
		mcp.WithDescription("Connect an IMAP/SMTP account with an email address and password (app password for Gmail, Yahoo, iCloud). Server settings are detected from the domain when omitted."),
		mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
		mcp.WithString("password", mcp.Required(), mcp.Description("Account or app password")),
		mcp.WithString("imap_host", mcp.Description("IMAP server host (detected when omitted)")),
		mcp.WithNumber("imap_port", mcp.Description("IMAP server port")),
		mcp.WithString("smtp_host", mcp.Description("SMTP server host (detected when omitted)")),
		mcp.WithNumber("smtp_port", mcp.Description("SMTP server port")),
	)
}

func syncTool() mcp.Tool {
	return mcp.NewTool(ToolSync,
		mcp.WithDescription("Sync an account's mailbox into the local store. Runs an initial sync on first use and incremental delta sync after. Omit account_id to sync every active account."),
		withAccountID(false),
	)
}

func searchTool() mcp.Tool {
	return mcp.NewTool(ToolSearch,
		mcp.WithDescription("Search stored emails. Free text goes through the full-text index; structured filters intersect with it. Results are newest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccountID(false),
		mcp.WithString("query", mcp.Description("Free-text query over subject, body, and sender")),
		mcp.WithString("from", mcp.Description("Filter by sender (substring)")),
		mcp.WithString("to", mcp.Description("Filter by recipient (substring)")),
		mcp.WithString("subject", mcp.Description("Filter by subject (substring)")),
		mcp.WithString("label", mcp.Description("Filter by label")),
		mcp.WithString("thread_id", mcp.Description("Restrict to one conversation")),
		mcp.WithBoolean("has_attachments", mcp.Description("Only messages with attachments")),
		mcp.WithBoolean("unread", mcp.Description("Only unread messages")),
		mcp.WithBoolean("flagged", mcp.Description("Only flagged messages")),
		mcp.WithString("after", mcp.Description("Only messages after this date (YYYY-MM-DD)")),
		mcp.WithString("before", mcp.Description("Only messages before this date (YYYY-MM-DD)")),
		withLimit("50"),
		mcp.WithNumber("offset", mcp.Description("Results to skip for pagination")),
	)
}

func getThreadTool() mcp.Tool {
	return mcp.NewTool(ToolGetThread,
		mcp.WithDescription("Get a conversation's messages, oldest first."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccountID(true),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread ID (from search results)")),
	)
}

func sendTool() mcp.Tool {
	return mcp.NewTool(ToolSend,
		mcp.WithDescription("Compose and send an email through an account. Set reply_to_email_id to thread the message as a reply."),
		withAccountID(true),
		mcp.WithArray("to", mcp.Required(), mcp.Description("Recipient addresses")),
		mcp.WithArray("cc", mcp.Description("CC addresses")),
		mcp.WithArray("bcc", mcp.Description("BCC addresses")),
		mcp.WithString("subject", mcp.Required(), mcp.Description("Subject line")),
		mcp.WithString("body_text", mcp.Description("Plain-text body")),
		mcp.WithString("body_html", mcp.Description("HTML body")),
		mcp.WithNumber("reply_to_email_id", mcp.Description("Stored email ID this message replies to")),
	)
}

func applyLabelTool() mcp.Tool {
	return mcp.NewTool(ToolApplyLabel,
		mcp.WithDescription("Add and/or remove labels on an email, on the provider first and then the local copy."),
		mcp.WithNumber("email_id", mcp.Required(), mcp.Description("Email ID")),
		mcp.WithArray("add", mcp.Description("Labels to add")),
		mcp.WithArray("remove", mcp.Description("Labels to remove")),
	)
}

func listFoldersTool() mcp.Tool {
	return mcp.NewTool(ToolListFolders,
		mcp.WithDescription("List an account's folders or labels live from the provider, with message counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccountID(true),
	)
}

func listAttachmentsTool() mcp.Tool {
	return mcp.NewTool(ToolListAttachments,
		mcp.WithDescription("List an email's attachments with cache status."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("email_id", mcp.Required(), mcp.Description("Email ID")),
	)
}

func getAttachmentTool() mcp.Tool {
	return mcp.NewTool(ToolGetAttachment,
		mcp.WithDescription("Get attachment content by attachment ID, base64-encoded. Served from the local cache when present, fetched from the provider otherwise."),
		mcp.WithNumber("attachment_id", mcp.Required(), mcp.Description("Attachment ID (from list_attachments)")),
	)
}

func createRuleTool() mcp.Tool {
	return mcp.NewTool(ToolCreateRule,
		mcp.WithDescription("Create an automation rule. Conditions AND together; actions apply in order. Validation errors are returned as {code, field, severity} and block the write."),
		withAccountID(true),
		mcp.WithString("name", mcp.Required(), mcp.Description("Rule name")),
		mcp.WithString("description", mcp.Description("Rule description")),
		mcp.WithString("trigger",
			mcp.Required(),
			mcp.Description("When the rule runs"),
			mcp.Enum("onNewEmail", "manual", "scheduled"),
		),
		mcp.WithArray("conditions",
			mcp.Required(),
			mcp.Description(`Conditions, e.g. [{"field":"from","operator":"contains","value":"@newsletter"}]`),
		),
		mcp.WithArray("actions",
			mcp.Required(),
			mcp.Description(`Actions, e.g. [{"type":"applyLabel","value":"News"},{"type":"archive"}]`),
		),
		mcp.WithBoolean("is_active", mcp.Description("Whether the rule is active (default true)")),
	)
}

func listRulesTool() mcp.Tool {
	return mcp.NewTool(ToolListRules,
		mcp.WithDescription("List automation rules, optionally for one account."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccountID(false),
	)
}

func deleteRuleTool() mcp.Tool {
	return mcp.NewTool(ToolDeleteRule,
		mcp.WithDescription("Delete an automation rule and its audit history."),
		mcp.WithNumber("rule_id", mcp.Required(), mcp.Description("Rule ID")),
	)
}

func applyRuleTool() mcp.Tool {
	return mcp.NewTool(ToolApplyRule,
		mcp.WithDescription("Run a rule against emails. With dry_run the report shows what would happen without changing anything. Omit email_ids to run over the account's most recent emails."),
		mcp.WithNumber("rule_id", mcp.Required(), mcp.Description("Rule ID")),
		mcp.WithArray("email_ids", mcp.Description("Specific email IDs to evaluate")),
		mcp.WithBoolean("dry_run", mcp.Description("Evaluate without applying")),
		withLimit("100"),
	)
}

func previewRollbackTool() mcp.Tool {
	return mcp.NewTool(ToolPreviewRollback,
		mcp.WithDescription("Show the label/flag changes rolling back an audit entry would make, without applying them."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("audit_id", mcp.Required(), mcp.Description("Audit entry ID (from audit_log)")),
	)
}

func rollbackTool() mcp.Tool {
	return mcp.NewTool(ToolRollback,
		mcp.WithDescription("Undo a rule execution: restore the email's labels and flags to the state recorded before the rule ran."),
		mcp.WithNumber("audit_id", mcp.Description("Audit entry ID to roll back")),
		mcp.WithNumber("rule_id", mcp.Description("Roll back every execution of this rule instead")),
	)
}

func syncStatsTool() mcp.Tool {
	return mcp.NewTool(ToolSyncStats,
		mcp.WithDescription("Get an account's sync history: totals, last error, and recent runs."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccountID(true),
		withLimit("10"),
	)
}

func auditLogTool() mcp.Tool {
	return mcp.NewTool(ToolAuditLog,
		mcp.WithDescription("List rule executions, newest first, filterable by rule or email."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("rule_id", mcp.Description("Filter by rule")),
		mcp.WithNumber("email_id", mcp.Description("Filter by email")),
		withLimit("50"),
	)
}
