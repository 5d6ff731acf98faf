package ops

import (
	"context"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
	"github.com/intentmail/intentmail/internal/rules"
	"github.com/intentmail/intentmail/internal/store"
	mailsync "github.com/intentmail/intentmail/internal/sync"
)

// SyncResult reports one account's sync run.
type SyncResult struct {
	AccountID     int64         `json:"accountId"`
	Email         string        `json:"email"`
	SyncType      string        `json:"syncType"`
	EmailsAdded   int           `json:"emailsAdded"`
	EmailsDeleted int           `json:"emailsDeleted"`
	LabelsChanged int           `json:"labelsChanged"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"durationMs"`
}

// Sync runs a sync for one account.
func (s *Service) Sync(ctx context.Context, accountID int64) (*SyncResult, error) {
	acct, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive {
		return nil, mailerr.Validation("account %d is inactive", accountID)
	}
	client, err := s.clientFor(acct)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	result, err := s.engine.Sync(ctx, acct, client)
	if err != nil {
		return nil, err
	}
	if len(result.NewEmailIDs) > 0 {
		s.runArrivalRules(ctx, acct, result.NewEmailIDs)
	}
	return syncResultFor(acct, result), nil
}

// runArrivalRules applies the account's active onNewEmail rules to messages
// that first appeared in this run. Rule failures are logged, never failing
// the sync that triggered them.
func (s *Service) runArrivalRules(ctx context.Context, acct *store.Account, emailIDs []int64) {
	stored, err := s.store.ListRules(acct.ID)
	if err != nil {
		s.logger.Error("list arrival rules", "account", acct.Email, "error", err)
		return
	}

	for _, rule := range stored {
		if !rule.IsActive || rule.Trigger != rules.TriggerOnNewEmail {
			continue
		}

		// Reload per rule: an earlier rule may have relabeled the message.
		var emails []*store.Email
		for _, id := range emailIDs {
			e, err := s.store.GetEmail(id)
			if err != nil {
				s.logger.Warn("load new email for rules", "email_id", id, "error", err)
				continue
			}
			emails = append(emails, e)
		}

		engine, closeClient, err := s.ruleEngine(acct, rule)
		if err != nil {
			s.logger.Error("build rule engine", "rule", rule.Name, "error", err)
			continue
		}
		report, err := engine.Apply(ctx, rule, emails, rules.ApplyOptions{Provider: acct.Provider})
		closeClient()
		if err != nil {
			s.logger.Error("arrival rule failed", "rule", rule.Name, "error", err)
			continue
		}
		if report.Matched > 0 {
			s.logger.Info("arrival rule applied",
				"rule", rule.Name, "matched", report.Matched, "evaluated", report.Evaluated)
		}
	}
}

// SyncAll syncs every active account sequentially. Per-account failures
// are logged and do not stop the pass.
func (s *Service) SyncAll(ctx context.Context) ([]SyncResult, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	var results []SyncResult
	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		result, err := s.Sync(ctx, acct.ID)
		if err != nil {
			s.logger.Error("sync failed", "account", acct.Email, "error", err)
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}

func syncResultFor(acct *store.Account, r *mailsync.Result) *SyncResult {
	return &SyncResult{
		AccountID:     acct.ID,
		Email:         acct.Email,
		SyncType:      r.SyncType,
		EmailsAdded:   r.EmailsAdded,
		EmailsDeleted: r.EmailsDeleted,
		LabelsChanged: r.LabelsChanged,
		Duration:      r.Duration,
		DurationMS:    r.Duration.Milliseconds(),
	}
}

// SearchInput is the structured search filter. Dates are YYYY-MM-DD.
type SearchInput struct {
	AccountID      int64  `json:"accountId,omitempty"`
	Query          string `json:"query,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Label          string `json:"label,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	HasAttachments *bool  `json:"hasAttachments,omitempty"`
	Unread         *bool  `json:"unread,omitempty"`
	Flagged        *bool  `json:"flagged,omitempty"`
	After          string `json:"after,omitempty"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

// EmailSummary is the list view of one email.
type EmailSummary struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"accountId"`
	ThreadID       string    `json:"threadId,omitempty"`
	From           string    `json:"from"`
	FromName       string    `json:"fromName,omitempty"`
	Subject        string    `json:"subject"`
	Snippet        string    `json:"snippet,omitempty"`
	Date           time.Time `json:"date"`
	Unread         bool      `json:"unread"`
	Flagged        bool      `json:"flagged"`
	Labels         []string  `json:"labels,omitempty"`
	HasAttachments bool      `json:"hasAttachments"`
}

// SearchOutput is a page of matches.
type SearchOutput struct {
	Emails  []EmailSummary `json:"emails"`
	Total   int            `json:"total"`
	HasMore bool           `json:"hasMore"`
}

// Search runs a structured search over the local store.
func (s *Service) Search(in SearchInput) (*SearchOutput, error) {
	filter := store.SearchFilter{
		AccountID:      in.AccountID,
		Query:          in.Query,
		From:           in.From,
		To:             in.To,
		Subject:        in.Subject,
		Label:          in.Label,
		ThreadID:       in.ThreadID,
		HasAttachments: in.HasAttachments,
		Unread:         in.Unread,
		Flagged:        in.Flagged,
		Limit:          in.Limit,
		Offset:         in.Offset,
	}
	var err error
	if filter.After, err = parseDate(in.After); err != nil {
		return nil, err
	}
	if filter.Before, err = parseDate(in.Before); err != nil {
		return nil, err
	}

	result, err := s.store.SearchEmails(filter)
	if err != nil {
		return nil, err
	}
	out := &SearchOutput{
		Emails:  make([]EmailSummary, 0, len(result.Emails)),
		Total:   int(result.Total),
		HasMore: result.HasMore,
	}
	for _, e := range result.Emails {
		out.Emails = append(out.Emails, summarize(e))
	}
	return out, nil
}

func summarize(e *store.Email) EmailSummary {
	return EmailSummary{
		ID:             e.ID,
		AccountID:      e.AccountID,
		ThreadID:       e.ThreadID,
		From:           e.From.Address,
		FromName:       e.From.Name,
		Subject:        e.Subject,
		Snippet:        e.Snippet,
		Date:           e.Date,
		Unread:         !e.HasFlag(store.FlagSeen),
		Flagged:        e.HasFlag(store.FlagFlagged),
		Labels:         e.Labels,
		HasAttachments: e.HasAttachments,
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, mailerr.Validation("invalid date %q: expected YYYY-MM-DD", s)
	}
	return t, nil
}

// GetEmail returns one full email.
func (s *Service) GetEmail(id int64) (*store.Email, error) {
	return s.store.GetEmail(id)
}

// GetThread returns a conversation, oldest first.
func (s *Service) GetThread(accountID int64, threadID string) ([]EmailSummary, error) {
	if threadID == "" {
		return nil, mailerr.Validation("threadId is required")
	}
	emails, err := s.store.GetThread(accountID, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]EmailSummary, 0, len(emails))
	for _, e := range emails {
		out = append(out, summarize(e))
	}
	return out, nil
}

// SendInput describes an outgoing message.
type SendInput struct {
	AccountID int64    `json:"accountId"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	Subject   string   `json:"subject"`
	BodyText  string   `json:"bodyText,omitempty"`
	BodyHTML  string   `json:"bodyHtml,omitempty"`
	// ReplyToEmailID threads the message under a stored email.
	ReplyToEmailID int64 `json:"replyToEmailId,omitempty"`
}

// SendResult reports the provider's id for the sent message, when the
// provider assigns one synchronously.
type SendResult struct {
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

// Send composes and sends a message through the account's adapter.
func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	acct, err := s.store.GetAccount(in.AccountID)
	if err != nil {
		return nil, err
	}

	msg := &mime.Outgoing{
		From:     store.Addr{Address: acct.Email, Name: acct.DisplayName},
		To:       toAddrs(in.To),
		Cc:       toAddrs(in.Cc),
		Bcc:      toAddrs(in.Bcc),
		Subject:  in.Subject,
		BodyText: in.BodyText,
		BodyHTML: in.BodyHTML,
	}
	if in.ReplyToEmailID != 0 {
		parent, err := s.store.GetEmail(in.ReplyToEmailID)
		if err != nil {
			return nil, err
		}
		if mid, ok := parent.Headers["Message-ID"]; ok && mid != "" {
			msg.InReplyTo = mid
			msg.References = append(append([]string(nil), parent.References...), mid)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	client, err := s.clientFor(acct)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	id, err := client.SendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message sent", "account", acct.Email, "to", in.To)
	return &SendResult{ProviderMessageID: id}, nil
}

func toAddrs(addresses []string) []store.Addr {
	out := make([]store.Addr, 0, len(addresses))
	for _, a := range addresses {
		if a != "" {
			out = append(out, store.Addr{Address: a})
		}
	}
	return out
}

// ApplyLabel adds and removes labels on one email, provider first, then
// the local mirror. A provider rejection leaves the store untouched.
func (s *Service) ApplyLabel(ctx context.Context, emailID int64, add, remove []string) (*store.Email, error) {
	if len(add) == 0 && len(remove) == 0 {
		return nil, mailerr.Validation("nothing to apply: add and remove are both empty")
	}
	email, err := s.store.GetEmail(emailID)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccount(email.AccountID)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(acct)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := client.ModifyLabels(ctx, email.ProviderMessageID, add, remove); err != nil {
		return nil, err
	}
	if len(add) > 0 {
		if err := s.store.AddLabels(emailID, add); err != nil {
			return nil, err
		}
	}
	if len(remove) > 0 {
		if err := s.store.RemoveLabels(emailID, remove); err != nil {
			return nil, err
		}
	}
	return s.store.GetEmail(emailID)
}

// FolderInfo is one provider folder or label.
type FolderInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Total  int64  `json:"total"`
	Unread int64  `json:"unread"`
}

// ListFolders enumerates the account's folders or labels live from the
// provider.
func (s *Service) ListFolders(ctx context.Context, accountID int64) ([]FolderInfo, error) {
	acct, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(acct)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	folders, err := client.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FolderInfo, 0, len(folders))
	for _, f := range folders {
		out = append(out, FolderInfo{
			ID:     f.ID,
			Name:   f.Name,
			Role:   f.Role,
			Total:  f.Total,
			Unread: f.Unread,
		})
	}
	return out, nil
}

// AttachmentInfo is the metadata view of one attachment.
type AttachmentInfo struct {
	ID        int64  `json:"id"`
	EmailID   int64  `json:"emailId"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Cached    bool   `json:"cached"`
}

// ListAttachments lists an email's attachments.
func (s *Service) ListAttachments(emailID int64) ([]AttachmentInfo, error) {
	if _, err := s.store.GetEmail(emailID); err != nil {
		return nil, err
	}
	atts, err := s.store.ListAttachments(emailID)
	if err != nil {
		return nil, err
	}
	out := make([]AttachmentInfo, 0, len(atts))
	for _, a := range atts {
		out = append(out, AttachmentInfo{
			ID:        a.ID,
			EmailID:   a.EmailID,
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: a.SizeBytes,
			Cached:    s.cache.IsCached(a),
		})
	}
	return out, nil
}

// AttachmentContent is attachment bytes plus metadata. Content marshals
// as base64 on the wire.
type AttachmentContent struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Content  []byte `json:"content"`
}

// GetAttachment returns attachment content, serving from the disk cache
// when possible and fetching through the provider otherwise. Fetched
// content is cached before returning.
func (s *Service) GetAttachment(ctx context.Context, attachmentID int64) (*AttachmentContent, error) {
	att, err := s.store.GetAttachment(attachmentID)
	if err != nil {
		return nil, err
	}

	if s.cache.IsCached(att) {
		content, err := s.cache.Read(att)
		if err == nil {
			return attachmentContent(att, content), nil
		}
		s.logger.Warn("cached attachment unreadable; refetching",
			"attachment_id", att.ID, "error", err)
	}

	email, err := s.store.GetEmail(att.EmailID)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccount(email.AccountID)
	if err != nil {
		return nil, err
	}
	client, err := s.clientFor(acct)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	content, err := client.GetAttachment(ctx, email.ProviderMessageID, att.ProviderAttachmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.cache.Put(att, content); err != nil {
		s.logger.Warn("cache attachment", "attachment_id", att.ID, "error", err)
	}
	return attachmentContent(att, content), nil
}

func attachmentContent(att *store.Attachment, content []byte) *AttachmentContent {
	return &AttachmentContent{
		ID:       att.ID,
		Filename: att.Filename,
		MimeType: att.MimeType,
		Size:     int64(len(content)),
		Content:  content,
	}
}
