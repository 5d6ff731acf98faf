package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
)

// Flag names form an idempotent set; duplicates collapse on write.
const (
	FlagSeen     = "SEEN"
	FlagFlagged  = "FLAGGED"
	FlagDraft    = "DRAFT"
	FlagAnswered = "ANSWERED"
	FlagDeleted  = "DELETED"
)

// Addr is an email address with an optional display name.
type Addr struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Email is one stored message. (AccountID, ProviderMessageID) is unique.
type Email struct {
	ID                int64
	AccountID         int64
	ProviderMessageID string
	ThreadID          string

	From Addr
	To   []Addr
	Cc   []Addr
	Bcc  []Addr

	Subject  string
	BodyText string
	BodyHTML string
	Snippet  string

	Date       time.Time
	ReceivedAt time.Time

	Flags  []string // idempotent set
	Labels []string // ordered, deduplicated

	InReplyTo  string
	References []string
	Headers    map[string]string

	SizeBytes      int64
	HasAttachments bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFlag reports whether the email carries the given flag.
func (e *Email) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// HasLabel reports whether the email carries the given label.
// Comparison is case-insensitive; storage preserves case.
func (e *Email) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Serialization helpers. The column representation (CSV flags, JSON labels
// and recipient lists) never leaks past this file.

func encodeFlags(flags []string) string {
	return strings.Join(dedupStrings(flags), ",")
}

func decodeFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeAddrs(s string) []Addr {
	var out []Addr
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func decodeStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func decodeHeaders(s string) map[string]string {
	var out map[string]string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// dedupStrings collapses duplicates preserving first-occurrence order.
func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

const emailColumns = `
	id, account_id, provider_message_id, thread_id,
	from_address, from_name, to_list, cc_list, bcc_list,
	subject, body_text, body_html, snippet,
	date, received_at, flags, labels,
	in_reply_to, refs, headers,
	size_bytes, has_attachments, created_at, updated_at`

func scanEmail(row interface{ Scan(...any) error }) (*Email, error) {
	var e Email
	var toList, ccList, bccList, flags, labels, refs, headers string
	var bodyText, bodyHTML sql.NullString
	var date, receivedAt, createdAt, updatedAt string
	var hasAttachments int

	err := row.Scan(
		&e.ID, &e.AccountID, &e.ProviderMessageID, &e.ThreadID,
		&e.From.Address, &e.From.Name, &toList, &ccList, &bccList,
		&e.Subject, &bodyText, &bodyHTML, &e.Snippet,
		&date, &receivedAt, &flags, &labels,
		&e.InReplyTo, &refs, &headers,
		&e.SizeBytes, &hasAttachments, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.To = decodeAddrs(toList)
	e.Cc = decodeAddrs(ccList)
	e.Bcc = decodeAddrs(bccList)
	e.BodyText = bodyText.String
	e.BodyHTML = bodyHTML.String
	e.Date = parseTime(date)
	e.ReceivedAt = parseTime(receivedAt)
	e.Flags = decodeFlags(flags)
	e.Labels = decodeStrings(labels)
	e.References = decodeStrings(refs)
	e.Headers = decodeHeaders(headers)
	e.HasAttachments = hasAttachments != 0
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// UpsertEmail inserts or updates an email keyed by
// (account_id, provider_message_id). On conflict every mutable column is
// overwritten, created_at is preserved, and updated_at is bumped. The FTS
// index follows via triggers within the same statement's transaction.
// Returns the email's surrogate id. Idempotent under repeated sync.
func (s *Store) UpsertEmail(e *Email) (int64, error) {
	now := nowUTC()
	nullable := func(v string) any {
		if v == "" {
			return nil
		}
		return v
	}

	_, err := s.db.Exec(`
		INSERT INTO emails (
			account_id, provider_message_id, thread_id,
			from_address, from_name, to_list, cc_list, bcc_list,
			subject, body_text, body_html, snippet,
			date, received_at, flags, labels,
			in_reply_to, refs, headers,
			size_bytes, has_attachments, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, provider_message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			from_address = excluded.from_address,
			from_name = excluded.from_name,
			to_list = excluded.to_list,
			cc_list = excluded.cc_list,
			bcc_list = excluded.bcc_list,
			subject = excluded.subject,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			snippet = excluded.snippet,
			date = excluded.date,
			received_at = excluded.received_at,
			flags = excluded.flags,
			labels = excluded.labels,
			in_reply_to = excluded.in_reply_to,
			refs = excluded.refs,
			headers = excluded.headers,
			size_bytes = excluded.size_bytes,
			has_attachments = excluded.has_attachments,
			updated_at = excluded.updated_at
	`, e.AccountID, e.ProviderMessageID, e.ThreadID,
		e.From.Address, e.From.Name, encodeJSON(e.To), encodeJSON(e.Cc), encodeJSON(e.Bcc),
		e.Subject, nullable(e.BodyText), nullable(e.BodyHTML), e.Snippet,
		formatTime(e.Date), formatTime(e.ReceivedAt), encodeFlags(e.Flags), encodeJSON(dedupStrings(e.Labels)),
		e.InReplyTo, encodeJSON(e.References), encodeJSON(e.Headers),
		e.SizeBytes, boolInt(e.HasAttachments), now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert email: %w", err)
	}

	var id int64
	err = s.db.QueryRow(`
		SELECT id FROM emails WHERE account_id = ? AND provider_message_id = ?
	`, e.AccountID, e.ProviderMessageID).Scan(&id)
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// GetEmail returns a single email by id.
func (s *Store) GetEmail(id int64) (*Email, error) {
	row := s.db.QueryRow(`SELECT`+emailColumns+` FROM emails WHERE id = ?`, id)
	e, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, notFound("email", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetEmailByProviderID looks up an email by its provider message id.
// Returns (nil, nil) when absent: deletions during delta sync routinely
// reference messages that were never synced.
func (s *Store) GetEmailByProviderID(accountID int64, providerMessageID string) (*Email, error) {
	row := s.db.QueryRow(
		`SELECT`+emailColumns+` FROM emails WHERE account_id = ? AND provider_message_id = ?`,
		accountID, providerMessageID)
	e, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteEmail removes an email row. Attachments and audit rows cascade;
// the FTS row is removed by trigger.
func (s *Store) DeleteEmail(id int64) error {
	result, err := s.db.Exec(`DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("email", id)
	}
	return nil
}

// GetThread returns all messages in a thread for one account, oldest first.
func (s *Store) GetThread(accountID int64, threadID string) ([]*Email, error) {
	rows, err := s.db.Query(
		`SELECT`+emailColumns+` FROM emails WHERE account_id = ? AND thread_id = ? ORDER BY date ASC`,
		accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	if len(emails) == 0 {
		return nil, mailerr.NotFound("thread %s not found for account %d", threadID, accountID)
	}
	return emails, rows.Err()
}

// AddLabels merges labels into the email's set (case-insensitive dedup,
// case-preserving storage) and bumps updated_at.
func (s *Store) AddLabels(id int64, labels []string) error {
	return s.mutateLabels(id, func(current []string) []string {
		out := append([]string(nil), current...)
		for _, l := range labels {
			if l == "" {
				continue
			}
			exists := false
			for _, c := range out {
				if strings.EqualFold(c, l) {
					exists = true
					break
				}
			}
			if !exists {
				out = append(out, l)
			}
		}
		return out
	})
}

// RemoveLabels set-subtracts labels (case-insensitive) and bumps updated_at.
func (s *Store) RemoveLabels(id int64, labels []string) error {
	return s.mutateLabels(id, func(current []string) []string {
		var out []string
		for _, c := range current {
			drop := false
			for _, l := range labels {
				if strings.EqualFold(c, l) {
					drop = true
					break
				}
			}
			if !drop {
				out = append(out, c)
			}
		}
		return out
	})
}

// SetLabels replaces the label set wholesale.
func (s *Store) SetLabels(id int64, labels []string) error {
	return s.mutateLabels(id, func([]string) []string {
		return dedupStrings(labels)
	})
}

func (s *Store) mutateLabels(id int64, fn func([]string) []string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var labels string
		err := tx.QueryRow(`SELECT labels FROM emails WHERE id = ?`, id).Scan(&labels)
		if err == sql.ErrNoRows {
			return notFound("email", id)
		}
		if err != nil {
			return err
		}
		next := fn(decodeStrings(labels))
		_, err = tx.Exec(
			`UPDATE emails SET labels = ?, updated_at = ? WHERE id = ?`,
			encodeJSON(next), nowUTC(), id)
		return err
	})
}

// SetFlags replaces the flag set and bumps updated_at. Input duplicates
// collapse; order is normalized for stable comparison.
func (s *Store) SetFlags(id int64, flags []string) error {
	normalized := dedupStrings(flags)
	sort.Strings(normalized)
	return s.mustUpdate(`
		UPDATE emails SET flags = ?, updated_at = ? WHERE id = ?
	`, "email", id, strings.Join(normalized, ","), nowUTC(), id)
}

// AddFlag adds one flag to the set if missing.
func (s *Store) AddFlag(id int64, flag string) error {
	e, err := s.GetEmail(id)
	if err != nil {
		return err
	}
	if e.HasFlag(flag) {
		return nil
	}
	return s.SetFlags(id, append(e.Flags, flag))
}

// RemoveFlag removes one flag from the set if present.
func (s *Store) RemoveFlag(id int64, flag string) error {
	e, err := s.GetEmail(id)
	if err != nil {
		return err
	}
	if !e.HasFlag(flag) {
		return nil
	}
	var next []string
	for _, f := range e.Flags {
		if f != flag {
			next = append(next, f)
		}
	}
	return s.SetFlags(id, next)
}

// CountEmails returns the email count for an account.
func (s *Store) CountEmails(accountID int64) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM emails WHERE account_id = ?`, accountID).Scan(&count)
	return count, err
}
