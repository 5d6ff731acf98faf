// Package graph adapts the Microsoft Graph mail API to the provider
// contract.
//
// Delta sync uses Graph's deltaLink protocol scoped to the inbox folder;
// removed messages arrive as @removed annotations. Categories map onto
// labels, isRead and flagStatus onto flags.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/store"
)

const (
	baseURL     = "https://graph.microsoft.com/v1.0"
	maxPageSize = 100
)

// Client talks to Microsoft Graph for one account.
type Client struct {
	rest        *provider.RESTClient
	logger      *slog.Logger
	concurrency int
	qps         float64
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConcurrency caps parallel fetches in batch operations.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithQPS overrides the request budget.
func WithQPS(qps float64) Option {
	return func(c *Client) { c.qps = qps }
}

// New builds a Graph client over an authenticated token source.
func New(ts oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		logger:      slog.Default(),
		concurrency: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	restOpts := []provider.RESTOption{
		provider.WithRESTLogger(c.logger),
		provider.WithTranslator(translateStatus),
	}
	if c.qps > 0 {
		restOpts = append(restOpts, provider.WithQPS(c.qps))
	}
	c.rest = provider.NewRESTClient(baseURL, ts, restOpts...)
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return store.ProviderOutlook }

// Close implements provider.Client.
func (c *Client) Close() error { return nil }

// translateStatus maps Graph's 410 Gone (expired delta token) to NotFound
// so the delta path can request a resync instead of failing permanently.
func translateStatus(status int, body []byte) error {
	if status == 410 {
		return mailerr.NotFound("delta token expired (410)")
	}
	return nil
}

// Graph response shapes.

type userResponse struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type followupFlag struct {
	FlagStatus string `json:"flagStatus"`
}

type graphAttachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId"`
	ContentBytes string `json:"contentBytes"`
}

type graphMessage struct {
	ID                string            `json:"id"`
	ConversationID    string            `json:"conversationId"`
	InternetMessageID string            `json:"internetMessageId"`
	Subject           string            `json:"subject"`
	BodyPreview       string            `json:"bodyPreview"`
	Body              messageBody       `json:"body"`
	From              *recipient        `json:"from"`
	ToRecipients      []recipient       `json:"toRecipients"`
	CcRecipients      []recipient       `json:"ccRecipients"`
	BccRecipients     []recipient       `json:"bccRecipients"`
	ReceivedDateTime  string            `json:"receivedDateTime"`
	SentDateTime      string            `json:"sentDateTime"`
	IsRead            bool              `json:"isRead"`
	IsDraft           bool              `json:"isDraft"`
	Flag              *followupFlag     `json:"flag"`
	Categories        []string          `json:"categories"`
	HasAttachments    bool              `json:"hasAttachments"`
	Attachments       []graphAttachment `json:"attachments"`
	Removed           *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type messageListResponse struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

type mailFolder struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	TotalItemCount  int64  `json:"totalItemCount"`
	UnreadItemCount int64  `json:"unreadItemCount"`
}

type folderListResponse struct {
	Value []mailFolder `json:"value"`
}

// UserProfile implements provider.Client.
func (c *Client) UserProfile(ctx context.Context) (*provider.Profile, error) {
	data, err := c.rest.Get(ctx, "/me")
	if err != nil {
		return nil, err
	}
	var resp userResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse profile")
	}
	email := resp.Mail
	if email == "" {
		email = resp.UserPrincipalName
	}
	return &provider.Profile{
		Email:       strings.ToLower(email),
		DisplayName: resp.DisplayName,
	}, nil
}

// ListMessages implements provider.Client, newest first.
func (c *Client) ListMessages(ctx context.Context, pageToken string, pageSize int) (*provider.MessagePage, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	path := pageToken
	if path == "" {
		params := url.Values{}
		params.Set("$top", strconv.Itoa(pageSize))
		params.Set("$select", "id")
		params.Set("$orderby", "receivedDateTime desc")
		path = "/me/messages?" + params.Encode()
	}

	data, err := c.rest.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var resp messageListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse message list")
	}

	page := &provider.MessagePage{NextPageToken: resp.NextLink}
	for _, m := range resp.Value {
		page.IDs = append(page.IDs, m.ID)
	}
	return page, nil
}

const messageSelect = "id,conversationId,internetMessageId,subject,bodyPreview,body,from,toRecipients,ccRecipients,bccRecipients,receivedDateTime,sentDateTime,isRead,isDraft,flag,categories,hasAttachments"

// GetMessage implements provider.Client. Attachments are expanded inline
// so one request yields the full normalized message.
func (c *Client) GetMessage(ctx context.Context, id string) (*provider.Message, error) {
	params := url.Values{}
	params.Set("$select", messageSelect)
	params.Set("$expand", "attachments($select=id,name,contentType,size,isInline,contentId)")

	data, err := c.rest.Get(ctx, "/me/messages/"+url.PathEscape(id)+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var gm graphMessage
	if err := json.Unmarshal(data, &gm); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse message")
	}
	return normalize(&gm), nil
}

func normalize(gm *graphMessage) *provider.Message {
	msg := &provider.Message{
		ProviderMessageID: gm.ID,
		ThreadID:          gm.ConversationID,
		Subject:           gm.Subject,
		Snippet:           gm.BodyPreview,
		To:                addrs(gm.ToRecipients),
		Cc:                addrs(gm.CcRecipients),
		Bcc:               addrs(gm.BccRecipients),
		Labels:            gm.Categories,
	}
	if gm.From != nil {
		msg.From = store.Addr{
			Address: strings.ToLower(gm.From.EmailAddress.Address),
			Name:    gm.From.EmailAddress.Name,
		}
	}
	if gm.InternetMessageID != "" {
		msg.Headers = map[string]string{
			"Message-ID": strings.Trim(gm.InternetMessageID, "<>"),
		}
	}

	switch strings.ToLower(gm.Body.ContentType) {
	case "html":
		msg.BodyHTML = gm.Body.Content
		msg.BodyText = mime.StripHTML(gm.Body.Content)
	default:
		msg.BodyText = gm.Body.Content
	}

	if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		msg.ReceivedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, gm.SentDateTime); err == nil {
		msg.Date = t.UTC()
	}
	if msg.Date.IsZero() {
		msg.Date = msg.ReceivedAt
	}

	if gm.IsRead {
		msg.Flags = append(msg.Flags, store.FlagSeen)
	}
	if gm.IsDraft {
		msg.Flags = append(msg.Flags, store.FlagDraft)
	}
	if gm.Flag != nil && gm.Flag.FlagStatus == "flagged" {
		msg.Flags = append(msg.Flags, store.FlagFlagged)
	}

	for _, a := range gm.Attachments {
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			ProviderAttachmentID: a.ID,
			Filename:             a.Name,
			MimeType:             a.ContentType,
			ContentID:            strings.Trim(a.ContentID, "<>"),
			SizeBytes:            a.Size,
		})
	}
	return msg
}

func addrs(recipients []recipient) []store.Addr {
	out := make([]store.Addr, 0, len(recipients))
	for _, r := range recipients {
		if r.EmailAddress.Address == "" {
			continue
		}
		out = append(out, store.Addr{
			Address: strings.ToLower(r.EmailAddress.Address),
			Name:    r.EmailAddress.Name,
		})
	}
	return out
}

// BatchGetMessages implements provider.Client.
func (c *Client) BatchGetMessages(ctx context.Context, ids []string) ([]*provider.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > provider.MaxBatchSize {
		return nil, mailerr.Validation("batch limited to %d messages, got %d", provider.MaxBatchSize, len(ids))
	}

	results := make([]*provider.Message, len(ids))
	sem := make(chan struct{}, c.concurrency)
	g, ctx := errgroup.WithContext(ctx)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}
			msg, err := c.GetMessage(ctx, id)
			if err != nil {
				if mailerr.Retryable(err) || ctx.Err() != nil {
					return err
				}
				c.logger.Warn("fetch message failed", "id", id, "error", err)
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, m := range results {
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// InitialCursor implements provider.Client. $deltaToken=latest yields a
// deltaLink positioned at "now" without enumerating the mailbox.
func (c *Client) InitialCursor(ctx context.Context) (string, error) {
	data, err := c.rest.Get(ctx, "/me/mailFolders/inbox/messages/delta?$deltaToken=latest")
	if err != nil {
		return "", err
	}
	var resp messageListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", mailerr.Wrap(mailerr.KindPermanent, err, "parse delta")
	}
	// Drain any nextLinks until the deltaLink appears.
	for resp.DeltaLink == "" && resp.NextLink != "" {
		data, err = c.rest.Get(ctx, resp.NextLink)
		if err != nil {
			return "", err
		}
		resp = messageListResponse{}
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", mailerr.Wrap(mailerr.KindPermanent, err, "parse delta")
		}
	}
	return resp.DeltaLink, nil
}

// ListDelta implements provider.Client. The cursor is the stored deltaLink;
// expired links surface as FullResync.
func (c *Client) ListDelta(ctx context.Context, cursor string) (*provider.Delta, error) {
	if cursor == "" {
		return &provider.Delta{FullResync: true}, nil
	}

	delta := &provider.Delta{}
	link := cursor
	for link != "" {
		data, err := c.rest.Get(ctx, link)
		if err != nil {
			if mailerr.IsKind(err, mailerr.KindNotFound) {
				return &provider.Delta{FullResync: true}, nil
			}
			return nil, err
		}
		var resp messageListResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse delta")
		}

		for _, m := range resp.Value {
			if m.Removed != nil {
				delta.Deleted = append(delta.Deleted, m.ID)
			} else {
				delta.Changed = append(delta.Changed, m.ID)
			}
		}
		if resp.DeltaLink != "" {
			delta.Cursor = resp.DeltaLink
			break
		}
		link = resp.NextLink
	}
	if delta.Cursor == "" {
		delta.Cursor = cursor
	}
	return delta, nil
}

// SendMessage implements provider.Client via sendMail. Graph does not
// return the created message's id.
func (c *Client) SendMessage(ctx context.Context, msg *mime.Outgoing) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	body := messageBody{ContentType: "text", Content: msg.BodyText}
	if msg.BodyHTML != "" {
		body = messageBody{ContentType: "html", Content: msg.BodyHTML}
	}

	payload := map[string]any{
		"message": map[string]any{
			"subject":       msg.Subject,
			"body":          body,
			"toRecipients":  recipients(msg.To),
			"ccRecipients":  recipients(msg.Cc),
			"bccRecipients": recipients(msg.Bcc),
			"attachments":   sendAttachments(msg.Attachments),
		},
		"saveToSentItems": true,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if _, err := c.rest.Post(ctx, "/me/sendMail", data); err != nil {
		return "", err
	}
	return "", nil
}

func recipients(addrs []store.Addr) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Name: a.Name, Address: a.Address}})
	}
	return out
}

func sendAttachments(parts []mime.Part) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, map[string]any{
			"@odata.type":  "#microsoft.graph.fileAttachment",
			"name":         p.Filename,
			"contentType":  p.MimeType,
			"contentBytes": base64.StdEncoding.EncodeToString(p.Content),
		})
	}
	return out
}

// ModifyLabels implements provider.Client. Flag names patch isRead and
// flagStatus; everything else edits the categories set.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	patch := map[string]any{}
	var addCats, removeCats []string

	for _, n := range add {
		switch strings.ToUpper(n) {
		case store.FlagSeen:
			patch["isRead"] = true
		case store.FlagFlagged:
			patch["flag"] = map[string]string{"flagStatus": "flagged"}
		default:
			addCats = append(addCats, n)
		}
	}
	for _, n := range remove {
		switch strings.ToUpper(n) {
		case store.FlagSeen:
			patch["isRead"] = false
		case store.FlagFlagged:
			patch["flag"] = map[string]string{"flagStatus": "notFlagged"}
		default:
			removeCats = append(removeCats, n)
		}
	}

	if len(addCats) > 0 || len(removeCats) > 0 {
		cats, err := c.currentCategories(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range addCats {
			found := false
			for _, existing := range cats {
				if strings.EqualFold(existing, a) {
					found = true
					break
				}
			}
			if !found {
				cats = append(cats, a)
			}
		}
		var next []string
		for _, existing := range cats {
			drop := false
			for _, r := range removeCats {
				if strings.EqualFold(existing, r) {
					drop = true
					break
				}
			}
			if !drop {
				next = append(next, existing)
			}
		}
		if next == nil {
			next = []string{}
		}
		patch["categories"] = next
	}

	if len(patch) == 0 {
		return nil
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = c.rest.Do(ctx, "PATCH", "/me/messages/"+url.PathEscape(id), data)
	return err
}

func (c *Client) currentCategories(ctx context.Context, id string) ([]string, error) {
	data, err := c.rest.Get(ctx, "/me/messages/"+url.PathEscape(id)+"?$select=categories")
	if err != nil {
		return nil, err
	}
	var gm graphMessage
	if err := json.Unmarshal(data, &gm); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse categories")
	}
	return gm.Categories, nil
}

// Trash implements provider.Client by moving to Deleted Items.
func (c *Client) Trash(ctx context.Context, id string) error {
	return c.move(ctx, id, "deleteditems")
}

// Untrash implements provider.Client. Graph does not record the source
// folder, so restoration targets the inbox.
func (c *Client) Untrash(ctx context.Context, id string) error {
	return c.move(ctx, id, "inbox")
}

func (c *Client) move(ctx context.Context, id, destination string) error {
	data, err := json.Marshal(map[string]string{"destinationId": destination})
	if err != nil {
		return err
	}
	_, err = c.rest.Post(ctx, "/me/messages/"+url.PathEscape(id)+"/move", data)
	return err
}

// Delete implements provider.Client.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.rest.Do(ctx, "DELETE", "/me/messages/"+url.PathEscape(id), nil)
	return err
}

// GetAttachment implements provider.Client. File attachments carry their
// content base64-encoded in contentBytes.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	data, err := c.rest.Get(ctx,
		"/me/messages/"+url.PathEscape(messageID)+"/attachments/"+url.PathEscape(attachmentID))
	if err != nil {
		return nil, err
	}
	var att graphAttachment
	if err := json.Unmarshal(data, &att); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse attachment")
	}
	if att.ContentBytes == "" {
		return nil, mailerr.Permanent("attachment %s has no inline content", attachmentID)
	}
	content, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "decode attachment content")
	}
	return content, nil
}

// ListFolders implements provider.Client.
func (c *Client) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	data, err := c.rest.Get(ctx, "/me/mailFolders?$top=100")
	if err != nil {
		return nil, err
	}
	var resp folderListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse folders")
	}

	folders := make([]provider.Folder, 0, len(resp.Value))
	for _, f := range resp.Value {
		folders = append(folders, provider.Folder{
			ID:     f.ID,
			Name:   f.DisplayName,
			Role:   folderRole(f.DisplayName),
			Total:  f.TotalItemCount,
			Unread: f.UnreadItemCount,
		})
	}
	return folders, nil
}

func folderRole(displayName string) string {
	switch strings.ToLower(displayName) {
	case "inbox":
		return "inbox"
	case "sent items":
		return "sent"
	case "deleted items":
		return "trash"
	case "drafts":
		return "drafts"
	case "junk email":
		return "spam"
	case "archive":
		return "archive"
	default:
		return ""
	}
}

var _ provider.Client = (*Client)(nil)
