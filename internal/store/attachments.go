package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Attachment is one attachment record. LocalPath is empty until the cache
// layer materializes the content on disk.
type Attachment struct {
	ID                   int64
	EmailID              int64
	Filename             string
	MimeType             string
	SizeBytes            int64
	ContentID            string
	ProviderAttachmentID string
	LocalPath            string
	CreatedAt            time.Time
}

const attachmentColumns = `
	id, email_id, filename, mime_type, size_bytes,
	content_id, provider_attachment_id, local_path, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var a Attachment
	var createdAt string
	err := row.Scan(
		&a.ID, &a.EmailID, &a.Filename, &a.MimeType, &a.SizeBytes,
		&a.ContentID, &a.ProviderAttachmentID, &a.LocalPath, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ReplaceEmailAttachments swaps the attachment rows for an email in one
// transaction. Re-syncing a message replaces its attachment metadata
// wholesale; cached local paths for unchanged provider attachment ids are
// carried over so re-sync does not orphan cache files.
func (s *Store) ReplaceEmailAttachments(emailID int64, atts []*Attachment) error {
	return s.withTx(func(tx *sql.Tx) error {
		cached := map[string]string{}
		rows, err := tx.Query(
			`SELECT provider_attachment_id, local_path FROM attachments
			 WHERE email_id = ? AND local_path != ''`, emailID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var pid, path string
			if err := rows.Scan(&pid, &path); err != nil {
				rows.Close()
				return err
			}
			cached[pid] = path
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM attachments WHERE email_id = ?`, emailID); err != nil {
			return fmt.Errorf("clear attachments: %w", err)
		}
		for _, a := range atts {
			localPath := a.LocalPath
			if localPath == "" {
				localPath = cached[a.ProviderAttachmentID]
			}
			result, err := tx.Exec(`
				INSERT INTO attachments (
					email_id, filename, mime_type, size_bytes,
					content_id, provider_attachment_id, local_path, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, emailID, a.Filename, a.MimeType, a.SizeBytes,
				a.ContentID, a.ProviderAttachmentID, localPath, nowUTC())
			if err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
			a.ID, _ = result.LastInsertId()
			a.EmailID = emailID
			a.LocalPath = localPath
		}
		return nil
	})
}

// GetAttachment returns one attachment by id.
func (s *Store) GetAttachment(id int64) (*Attachment, error) {
	row := s.db.QueryRow(`SELECT`+attachmentColumns+` FROM attachments WHERE id = ?`, id)
	a, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, notFound("attachment", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAttachments returns the attachments of one email.
func (s *Store) ListAttachments(emailID int64) ([]*Attachment, error) {
	rows, err := s.db.Query(
		`SELECT`+attachmentColumns+` FROM attachments WHERE email_id = ? ORDER BY id`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var atts []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// SetAttachmentPath records (or clears) the cache file path for an attachment.
func (s *Store) SetAttachmentPath(id int64, localPath string) error {
	return s.mustUpdate(`
		UPDATE attachments SET local_path = ? WHERE id = ?
	`, "attachment", id, localPath, id)
}

// CachedAttachments returns all attachments that currently have a cache
// file, oldest first. The eviction loop walks this order.
func (s *Store) CachedAttachments() ([]*Attachment, error) {
	rows, err := s.db.Query(
		`SELECT` + attachmentColumns + ` FROM attachments
		 WHERE local_path != '' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("cached attachments: %w", err)
	}
	defer rows.Close()

	var atts []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
