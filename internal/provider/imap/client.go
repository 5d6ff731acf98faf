// Package imap adapts a generic IMAP/SMTP account to the provider
// contract.
//
// Message ids are composite "mailbox|uid" strings. Delta sync has no
// server-side change log: the cursor records INBOX's UIDVALIDITY plus
// the last sync time, and each run SEARCHes for messages received SINCE
// that time. A UIDVALIDITY change invalidates every stored uid and forces
// a full resync.
package imap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/store"
)

// Config holds the connection parameters for one IMAP/SMTP account.
type Config struct {
	Email    string
	Password string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

func (c *Config) imapAddr() string {
	return fmt.Sprintf("%s:%d", c.IMAPHost, c.IMAPPort)
}

func (c *Config) smtpAddr() string {
	return fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client implements provider.Client over IMAP and SMTP.
type Client struct {
	config *Config
	logger *slog.Logger

	mu              sync.Mutex
	conn            *imapclient.Client
	selectedMailbox string
	mailboxCache    []mailboxInfo
	trashMailbox    string

	// listCache holds the full id enumeration for local paging during an
	// initial sync; IMAP has no server-side page tokens.
	listCache []string
}

type mailboxInfo struct {
	name  string
	attrs []imap.MailboxAttr
}

// New creates an IMAP client. The connection is established lazily.
func New(cfg *Config, opts ...Option) *Client {
	c := &Client{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements provider.Client.
func (c *Client) Name() string { return "imap" }

// connect establishes and authenticates the connection. Caller holds mu.
func (c *Client) connect() error {
	if c.conn != nil {
		return nil
	}

	addr := c.config.imapAddr()
	var (
		conn *imapclient.Client
		err  error
	)
	if c.config.IMAPPort == 143 || c.config.IMAPPort == 1143 {
		// Plain or bridge ports negotiate STARTTLS; 1143 is the Proton
		// bridge's local listener.
		conn, err = imapclient.DialStartTLS(addr, nil)
		if err != nil {
			conn, err = imapclient.DialInsecure(addr, nil)
		}
	} else {
		conn, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return mailerr.Wrap(mailerr.KindTransient, err, "dial IMAP %s", addr)
	}

	if err := conn.Login(c.config.Email, c.config.Password).Wait(); err != nil {
		_ = conn.Close()
		return mailerr.Wrap(mailerr.KindAuthFailed, err, "IMAP login for %s", c.config.Email)
	}

	c.conn = conn
	c.selectedMailbox = ""
	c.logger.Debug("imap connected", "addr", addr, "user", c.config.Email)
	return nil
}

// withConn runs fn with an authenticated connection under the mutex.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.connect(); err != nil {
		return err
	}
	return fn(c.conn)
}

// selectMailbox selects a mailbox if not already selected. Caller holds mu.
func (c *Client) selectMailbox(mailbox string) (*imap.SelectData, error) {
	data, err := c.conn.Select(mailbox, nil).Wait()
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTransient, err, "SELECT %q", mailbox)
	}
	c.selectedMailbox = mailbox
	return data, nil
}

// listMailboxesLocked returns selectable mailboxes in sync priority order,
// caching the result. Caller holds mu.
func (c *Client) listMailboxesLocked() ([]mailboxInfo, error) {
	if c.mailboxCache != nil {
		return c.mailboxCache, nil
	}

	items, err := c.conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindTransient, err, "LIST")
	}

	var boxes []mailboxInfo
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		boxes = append(boxes, mailboxInfo{name: item.Mailbox, attrs: item.Attrs})
		if c.trashMailbox == "" && hasAttr(item.Attrs, imap.MailboxAttrTrash) {
			c.trashMailbox = item.Mailbox
		}
	}
	if c.trashMailbox == "" {
		for _, candidate := range []string{"Trash", "[Gmail]/Trash", "Deleted Items", "Deleted Messages"} {
			for _, mb := range boxes {
				if strings.EqualFold(mb.name, candidate) {
					c.trashMailbox = mb.name
					break
				}
			}
			if c.trashMailbox != "" {
				break
			}
		}
	}

	sort.SliceStable(boxes, func(i, j int) bool {
		return mailboxPriority(boxes[i]) < mailboxPriority(boxes[j])
	})
	c.mailboxCache = boxes
	return boxes, nil
}

// mailboxPriority orders sync work: INBOX first, then sent and archive,
// junk and trash last.
func mailboxPriority(mb mailboxInfo) int {
	switch {
	case strings.EqualFold(mb.name, "INBOX"):
		return 0
	case hasAttr(mb.attrs, imap.MailboxAttrSent):
		return 1
	case hasAttr(mb.attrs, imap.MailboxAttrArchive):
		return 2
	case hasAttr(mb.attrs, imap.MailboxAttrJunk):
		return 8
	case hasAttr(mb.attrs, imap.MailboxAttrTrash):
		return 9
	default:
		return 5
	}
}

func hasAttr(attrs []imap.MailboxAttr, attr imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// compositeID builds the provider message id as "mailbox|uid".
func compositeID(mailbox string, uid imap.UID) string {
	return mailbox + "|" + strconv.FormatUint(uint64(uid), 10)
}

func parseCompositeID(id string) (mailbox string, uid imap.UID, err error) {
	idx := strings.LastIndexByte(id, '|')
	if idx < 0 {
		return "", 0, mailerr.Validation("invalid IMAP message id %q", id)
	}
	n, parseErr := strconv.ParseUint(id[idx+1:], 10, 32)
	if parseErr != nil {
		return "", 0, mailerr.Validation("invalid uid in message id %q", id)
	}
	return id[:idx], imap.UID(n), nil
}

// UserProfile implements provider.Client using STATUS INBOX.
func (c *Client) UserProfile(ctx context.Context) (*provider.Profile, error) {
	var profile provider.Profile
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		status, err := conn.Status("INBOX", &imap.StatusOptions{NumMessages: true}).Wait()
		if err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "STATUS INBOX")
		}
		profile.Email = strings.ToLower(c.config.Email)
		if status.NumMessages != nil {
			profile.TotalMessages = int64(*status.NumMessages)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListMessages implements provider.Client. IMAP has no server paging, so
// the full enumeration is cached and sliced locally; pageToken is the
// numeric offset into it.
func (c *Client) ListMessages(ctx context.Context, pageToken string, pageSize int) (*provider.MessagePage, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, mailerr.Validation("invalid page token %q", pageToken)
		}
		offset = n
	}

	if offset == 0 || c.listCache == nil {
		if err := c.enumerateAll(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if offset >= len(c.listCache) {
		return &provider.MessagePage{}, nil
	}
	end := offset + pageSize
	next := ""
	if end < len(c.listCache) {
		next = strconv.Itoa(end)
	} else {
		end = len(c.listCache)
	}
	return &provider.MessagePage{
		IDs:           append([]string(nil), c.listCache[offset:end]...),
		NextPageToken: next,
	}, nil
}

// enumerateAll walks the mailboxes in priority order collecting composite
// ids, newest uids first within each mailbox.
func (c *Client) enumerateAll(ctx context.Context) error {
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		boxes, err := c.listMailboxesLocked()
		if err != nil {
			return err
		}

		var ids []string
		for _, mb := range boxes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := c.selectMailbox(mb.name); err != nil {
				c.logger.Warn("skipping mailbox", "mailbox", mb.name, "error", err)
				continue
			}
			searchData, err := conn.UIDSearch(&imap.SearchCriteria{}, &imap.SearchOptions{ReturnAll: true}).Wait()
			if err != nil {
				c.logger.Warn("UID SEARCH failed", "mailbox", mb.name, "error", err)
				continue
			}
			uidSet, ok := searchData.All.(imap.UIDSet)
			if !ok {
				continue
			}
			uids, _ := uidSet.Nums()
			for i := len(uids) - 1; i >= 0; i-- {
				ids = append(ids, compositeID(mb.name, uids[i]))
			}
		}
		c.listCache = ids
		return nil
	})
}

// GetMessage implements provider.Client.
func (c *Client) GetMessage(ctx context.Context, id string) (*provider.Message, error) {
	msgs, err := c.BatchGetMessages(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, mailerr.NotFound("message %s not found", id)
	}
	return msgs[0], nil
}

// BatchGetMessages implements provider.Client, grouping fetches by mailbox
// so each mailbox is selected once.
func (c *Client) BatchGetMessages(ctx context.Context, ids []string) ([]*provider.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > provider.MaxBatchSize {
		return nil, mailerr.Validation("batch limited to %d messages, got %d", provider.MaxBatchSize, len(ids))
	}

	type idxUID struct {
		idx int
		uid imap.UID
	}
	byMailbox := make(map[string][]idxUID, 4)
	for i, id := range ids {
		mailbox, uid, err := parseCompositeID(id)
		if err != nil {
			c.logger.Warn("invalid message id in batch", "id", id, "error", err)
			continue
		}
		byMailbox[mailbox] = append(byMailbox[mailbox], idxUID{i, uid})
	}

	results := make([]*provider.Message, len(ids))
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}

	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		for mailbox, items := range byMailbox {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := c.selectMailbox(mailbox); err != nil {
				c.logger.Warn("skipping mailbox batch", "mailbox", mailbox, "error", err)
				continue
			}

			var uidSet imap.UIDSet
			uidToIdx := make(map[imap.UID]int, len(items))
			for _, item := range items {
				uidSet.AddNum(item.uid)
				uidToIdx[item.uid] = item.idx
			}

			msgs, err := conn.Fetch(uidSet, fetchOpts).Collect()
			if err != nil {
				c.logger.Warn("UID FETCH failed", "mailbox", mailbox, "error", err)
				continue
			}

			for _, buf := range msgs {
				idx, ok := uidToIdx[buf.UID]
				if !ok {
					continue
				}
				var raw []byte
				if len(buf.BodySection) > 0 {
					raw = buf.BodySection[0].Bytes
				}
				if len(raw) == 0 {
					continue
				}
				msg, err := c.normalize(mailbox, buf, raw)
				if err != nil {
					c.logger.Warn("parse message failed", "mailbox", mailbox, "uid", buf.UID, "error", err)
					continue
				}
				results[idx] = msg
			}
		}
		return nil
	})
	if err != nil {
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

func (c *Client) normalize(mailbox string, buf *imapclient.FetchMessageBuffer, raw []byte) (*provider.Message, error) {
	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, err
	}

	msg := &provider.Message{
		ProviderMessageID: compositeID(mailbox, buf.UID),
		ThreadID:          threadIDFor(parsed),
		From:              parsed.From,
		To:                parsed.To,
		Cc:                parsed.Cc,
		Bcc:               parsed.Bcc,
		Subject:           parsed.Subject,
		BodyText:          parsed.BodyText,
		BodyHTML:          parsed.BodyHTML,
		Snippet:           parsed.Snippet(),
		Date:              parsed.Date,
		ReceivedAt:        buf.InternalDate.UTC(),
		Labels:            []string{mailbox},
		InReplyTo:         parsed.InReplyTo,
		References:        parsed.References,
		SizeBytes:         buf.RFC822Size,
	}
	if parsed.MessageID != "" {
		msg.Headers = map[string]string{"Message-ID": parsed.MessageID}
	}
	if msg.Date.IsZero() {
		msg.Date = msg.ReceivedAt
	}

	for _, f := range buf.Flags {
		switch f {
		case imap.FlagSeen:
			msg.Flags = append(msg.Flags, store.FlagSeen)
		case imap.FlagFlagged:
			msg.Flags = append(msg.Flags, store.FlagFlagged)
		case imap.FlagAnswered:
			msg.Flags = append(msg.Flags, store.FlagAnswered)
		case imap.FlagDraft:
			msg.Flags = append(msg.Flags, store.FlagDraft)
		case imap.FlagDeleted:
			msg.Flags = append(msg.Flags, store.FlagDeleted)
		}
	}

	for i, part := range parsed.Parts {
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			ProviderAttachmentID: fmt.Sprintf("part-%d", i),
			Filename:             part.Filename,
			MimeType:             part.MimeType,
			ContentID:            part.ContentID,
			SizeBytes:            int64(len(part.Content)),
		})
	}
	return msg, nil
}

// threadIDFor derives a thread id from the References chain: the root
// message id groups the whole conversation.
func threadIDFor(parsed *mime.ParsedMessage) string {
	if len(parsed.References) > 0 {
		return parsed.References[0]
	}
	if parsed.InReplyTo != "" {
		return parsed.InReplyTo
	}
	return parsed.MessageID
}

// cursor encoding: "uidvalidity|rfc3339time", keyed to INBOX.

func encodeCursor(uidValidity uint32, since time.Time) string {
	return strconv.FormatUint(uint64(uidValidity), 10) + "|" + since.UTC().Format(time.RFC3339)
}

func decodeCursor(cursor string) (uint32, time.Time, error) {
	idx := strings.IndexByte(cursor, '|')
	if idx < 0 {
		return 0, time.Time{}, mailerr.Validation("invalid IMAP cursor %q", cursor)
	}
	uv, err := strconv.ParseUint(cursor[:idx], 10, 32)
	if err != nil {
		return 0, time.Time{}, mailerr.Validation("invalid uidvalidity in cursor %q", cursor)
	}
	t, err := time.Parse(time.RFC3339, cursor[idx+1:])
	if err != nil {
		return 0, time.Time{}, mailerr.Validation("invalid time in cursor %q", cursor)
	}
	return uint32(uv), t, nil
}

// InitialCursor implements provider.Client: INBOX's current UIDVALIDITY
// and the present moment.
func (c *Client) InitialCursor(ctx context.Context) (string, error) {
	var cursor string
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		data, err := c.selectMailbox("INBOX")
		if err != nil {
			return err
		}
		cursor = encodeCursor(data.UIDValidity, time.Now())
		return nil
	})
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// sinceWindow computes the SEARCH SINCE date for a delta run. The window
// floor is 24 hours: a cursor older than that searches from now-24h, not
// from the cursor. SINCE is day-granular, so the result backs up to the
// start of its day; re-fetches near the boundary are absorbed by the
// upsert path.
func sinceWindow(since, now time.Time) time.Time {
	if floor := now.Add(-24 * time.Hour); since.Before(floor) {
		since = floor
	}
	return since.Truncate(24 * time.Hour)
}

// ListDelta implements provider.Client with SEARCH SINCE across the
// priority mailboxes. SINCE has day granularity, so re-fetches near the
// boundary are expected; the upsert path keeps them idempotent. Deletions
// are not observable this way and are reconciled by full resyncs.
func (c *Client) ListDelta(ctx context.Context, cursor string) (*provider.Delta, error) {
	if cursor == "" {
		return &provider.Delta{FullResync: true}, nil
	}
	wantValidity, since, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	delta := &provider.Delta{}
	err = c.withConn(ctx, func(conn *imapclient.Client) error {
		inbox, err := c.selectMailbox("INBOX")
		if err != nil {
			return err
		}
		if inbox.UIDValidity != wantValidity {
			c.logger.Info("UIDVALIDITY changed, full resync required",
				"stored", wantValidity, "current", inbox.UIDValidity)
			delta.FullResync = true
			return nil
		}

		boxes, err := c.listMailboxesLocked()
		if err != nil {
			return err
		}
		sinceDay := sinceWindow(since, time.Now())

		for _, mb := range boxes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := c.selectMailbox(mb.name); err != nil {
				c.logger.Warn("skipping mailbox", "mailbox", mb.name, "error", err)
				continue
			}
			searchData, err := conn.UIDSearch(&imap.SearchCriteria{
				Since: sinceDay,
			}, &imap.SearchOptions{ReturnAll: true}).Wait()
			if err != nil {
				c.logger.Warn("SEARCH SINCE failed", "mailbox", mb.name, "error", err)
				continue
			}
			uidSet, ok := searchData.All.(imap.UIDSet)
			if !ok {
				continue
			}
			uids, _ := uidSet.Nums()
			for _, uid := range uids {
				delta.Changed = append(delta.Changed, compositeID(mb.name, uid))
			}
		}

		delta.Cursor = encodeCursor(inbox.UIDValidity, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

// ModifyLabels implements provider.Client for flag names. IMAP has no
// label model beyond the containing mailbox, so non-flag labels are
// rejected.
func (c *Client) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		return err
	}
	addFlags, err := toIMAPFlags(add)
	if err != nil {
		return err
	}
	removeFlags, err := toIMAPFlags(remove)
	if err != nil {
		return err
	}

	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if len(addFlags) > 0 {
			if err := conn.Store(uidSet, &imap.StoreFlags{
				Op: imap.StoreFlagsAdd, Silent: true, Flags: addFlags,
			}, nil).Close(); err != nil {
				return mailerr.Wrap(mailerr.KindTransient, err, "UID STORE +FLAGS")
			}
		}
		if len(removeFlags) > 0 {
			if err := conn.Store(uidSet, &imap.StoreFlags{
				Op: imap.StoreFlagsDel, Silent: true, Flags: removeFlags,
			}, nil).Close(); err != nil {
				return mailerr.Wrap(mailerr.KindTransient, err, "UID STORE -FLAGS")
			}
		}
		return nil
	})
}

func toIMAPFlags(names []string) ([]imap.Flag, error) {
	var flags []imap.Flag
	for _, n := range names {
		switch strings.ToUpper(n) {
		case store.FlagSeen:
			flags = append(flags, imap.FlagSeen)
		case store.FlagFlagged:
			flags = append(flags, imap.FlagFlagged)
		case store.FlagAnswered:
			flags = append(flags, imap.FlagAnswered)
		case store.FlagDraft:
			flags = append(flags, imap.FlagDraft)
		case store.FlagDeleted:
			flags = append(flags, imap.FlagDeleted)
		default:
			return nil, mailerr.Validation("IMAP accounts support flag changes only, got label %q", n)
		}
	}
	return flags, nil
}

// Trash implements provider.Client with MOVE to the trash mailbox.
func (c *Client) Trash(ctx context.Context, id string) error {
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.listMailboxesLocked(); err != nil {
			return err
		}
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		trash := c.trashMailbox
		if trash == "" {
			trash = "Trash"
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if _, err := conn.Move(uidSet, trash).Wait(); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "MOVE to %q", trash)
		}
		return nil
	})
}

// MoveFolder moves a message to an arbitrary mailbox. Not part of the
// provider contract; the rules engine reaches it for moveFolder actions.
func (c *Client) MoveFolder(ctx context.Context, id, folder string) error {
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if _, err := conn.Move(uidSet, folder).Wait(); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "MOVE to %q", folder)
		}
		return nil
	})
}

// Untrash implements provider.Client. The source folder is not recorded,
// so restoration targets INBOX.
func (c *Client) Untrash(ctx context.Context, id string) error {
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if _, err := conn.Move(uidSet, "INBOX").Wait(); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "MOVE to INBOX")
		}
		return nil
	})
}

// Delete implements provider.Client via STORE \Deleted + UID EXPUNGE.
func (c *Client) Delete(ctx context.Context, id string) error {
	mailbox, uid, err := parseCompositeID(id)
	if err != nil {
		return err
	}
	return c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		if err := conn.Store(uidSet, &imap.StoreFlags{
			Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted},
		}, nil).Close(); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "UID STORE \\Deleted")
		}
		if err := conn.UIDExpunge(uidSet).Close(); err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "UID EXPUNGE")
		}
		return nil
	})
}

// GetAttachment implements provider.Client by re-fetching the message and
// extracting the part by its index id.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	mailbox, uid, err := parseCompositeID(messageID)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = c.withConn(ctx, func(conn *imapclient.Client) error {
		if _, err := c.selectMailbox(mailbox); err != nil {
			return err
		}
		var uidSet imap.UIDSet
		uidSet.AddNum(uid)
		msgs, err := conn.Fetch(uidSet, &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{{}},
		}).Collect()
		if err != nil {
			return mailerr.Wrap(mailerr.KindTransient, err, "UID FETCH")
		}
		for _, buf := range msgs {
			if len(buf.BodySection) > 0 {
				raw = buf.BodySection[0].Bytes
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, mailerr.NotFound("message %s not found", messageID)
	}

	parsed, err := mime.Parse(raw)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindPermanent, err, "parse MIME")
	}
	for i, part := range parsed.Parts {
		if fmt.Sprintf("part-%d", i) == attachmentID {
			return part.Content, nil
		}
	}
	return nil, mailerr.NotFound("attachment %s not found in message %s", attachmentID, messageID)
}

// ListFolders implements provider.Client.
func (c *Client) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	var folders []provider.Folder
	err := c.withConn(ctx, func(conn *imapclient.Client) error {
		boxes, err := c.listMailboxesLocked()
		if err != nil {
			return err
		}
		for _, mb := range boxes {
			status, err := conn.Status(mb.name, &imap.StatusOptions{
				NumMessages: true, NumUnseen: true,
			}).Wait()
			folder := provider.Folder{
				ID:   mb.name,
				Name: mb.name,
				Role: roleForMailbox(mb),
			}
			if err == nil {
				if status.NumMessages != nil {
					folder.Total = int64(*status.NumMessages)
				}
				if status.NumUnseen != nil {
					folder.Unread = int64(*status.NumUnseen)
				}
			}
			folders = append(folders, folder)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

func roleForMailbox(mb mailboxInfo) string {
	switch {
	case strings.EqualFold(mb.name, "INBOX"):
		return "inbox"
	case hasAttr(mb.attrs, imap.MailboxAttrSent):
		return "sent"
	case hasAttr(mb.attrs, imap.MailboxAttrTrash):
		return "trash"
	case hasAttr(mb.attrs, imap.MailboxAttrDrafts):
		return "drafts"
	case hasAttr(mb.attrs, imap.MailboxAttrJunk):
		return "spam"
	case hasAttr(mb.attrs, imap.MailboxAttrArchive):
		return "archive"
	default:
		return ""
	}
}

// Close logs out and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.selectedMailbox = ""
	return conn.Logout().Wait()
}

var _ provider.Client = (*Client)(nil)
