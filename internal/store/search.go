package store

import (
	"fmt"
	"strings"
	"time"
)

// SearchFilter is an AND-composed query over stored emails. Zero values
// mean "no constraint".
type SearchFilter struct {
	AccountID      int64
	Query          string // FTS match over subject, body, sender
	From           string // substring, case-insensitive
	To             string // substring over recipient JSON
	Subject        string // substring, case-insensitive
	Label          string
	ThreadID       string // exact match
	HasAttachments *bool
	Unread         *bool
	Flagged        *bool
	After          time.Time
	Before         time.Time
	Limit          int
	Offset         int
}

// SearchResult is one page of matches, newest first.
type SearchResult struct {
	Emails  []*Email
	Total   int64
	HasMore bool
}

const maxSearchLimit = 100

// ftsQuote escapes user input for FTS5 by double-quoting each term, so
// operators like NEAR, AND, and column filters in the input are treated as
// plain words.
func ftsQuote(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}

// SearchEmails runs an AND-composed filter query. When Query is set the
// FTS5 index narrows the candidate set first and the structured filters
// intersect with it. Results are ordered date DESC; the limit is capped
// at 100 and one extra row is fetched to compute HasMore.
func (s *Store) SearchEmails(f SearchFilter) (*SearchResult, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var conds []string
	var args []any

	if f.Query != "" {
		match := ftsQuote(f.Query)
		if match == "" {
			return &SearchResult{}, nil
		}
		conds = append(conds, `id IN (SELECT rowid FROM emails_fts WHERE emails_fts MATCH ?)`)
		args = append(args, match)
	}
	if f.AccountID != 0 {
		conds = append(conds, `account_id = ?`)
		args = append(args, f.AccountID)
	}
	if f.From != "" {
		conds = append(conds, `(from_address LIKE ? COLLATE NOCASE OR from_name LIKE ? COLLATE NOCASE)`)
		pat := "%" + f.From + "%"
		args = append(args, pat, pat)
	}
	if f.To != "" {
		conds = append(conds, `to_list LIKE ? COLLATE NOCASE`)
		args = append(args, "%"+f.To+"%")
	}
	if f.Subject != "" {
		conds = append(conds, `subject LIKE ? COLLATE NOCASE`)
		args = append(args, "%"+f.Subject+"%")
	}
	if f.ThreadID != "" {
		conds = append(conds, `thread_id = ?`)
		args = append(args, f.ThreadID)
	}
	if f.Label != "" {
		// Labels are stored as a JSON array of strings.
		conds = append(conds, `EXISTS (SELECT 1 FROM json_each(labels) WHERE json_each.value = ? COLLATE NOCASE)`)
		args = append(args, f.Label)
	}
	if f.HasAttachments != nil {
		conds = append(conds, `has_attachments = ?`)
		args = append(args, boolInt(*f.HasAttachments))
	}
	if f.Unread != nil {
		if *f.Unread {
			conds = append(conds, `instr(flags, ?) = 0`)
		} else {
			conds = append(conds, `instr(flags, ?) > 0`)
		}
		args = append(args, FlagSeen)
	}
	if f.Flagged != nil {
		if *f.Flagged {
			conds = append(conds, `instr(flags, ?) > 0`)
		} else {
			conds = append(conds, `instr(flags, ?) = 0`)
		}
		args = append(args, FlagFlagged)
	}
	if !f.After.IsZero() {
		conds = append(conds, `date >= ?`)
		args = append(args, formatTime(f.After))
	}
	if !f.Before.IsZero() {
		conds = append(conds, `date < ?`)
		args = append(args, formatTime(f.Before))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM emails`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search: %w", err)
	}

	// Fetch limit+1 to detect a further page without a second count round trip.
	query := `SELECT` + emailColumns + `
		FROM emails` + where + `
		ORDER BY date DESC, id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit+1, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("search emails: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := false
	if len(emails) > limit {
		hasMore = true
		emails = emails[:limit]
	}
	return &SearchResult{Emails: emails, Total: total, HasMore: hasMore}, nil
}
