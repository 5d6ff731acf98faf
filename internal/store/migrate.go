package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/intentmail/intentmail/internal/mailerr"
)

// Migration is one ordered, checksum-verified schema change.
type Migration struct {
	Version int
	Name    string
	DDL     string
}

// migrations is the ordered list of all schema migrations. Entries are
// append-only; editing an applied entry in place is detected as tampering
// on the next startup.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "base_schema",
		DDL: `
			CREATE TABLE accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				provider TEXT NOT NULL,
				email TEXT NOT NULL,
				display_name TEXT NOT NULL DEFAULT '',
				auth_type TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,

				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expires_at TEXT NOT NULL DEFAULT '',

				imap_host TEXT NOT NULL DEFAULT '',
				imap_port INTEGER NOT NULL DEFAULT 0,
				smtp_host TEXT NOT NULL DEFAULT '',
				smtp_port INTEGER NOT NULL DEFAULT 0,
				password_encrypted TEXT NOT NULL DEFAULT '',

				sync_cursor TEXT NOT NULL DEFAULT '',
				uid_validity INTEGER NOT NULL DEFAULT 0,
				highest_modseq INTEGER NOT NULL DEFAULT 0,
				last_sync_at TEXT NOT NULL DEFAULT '',

				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(provider, email)
			);

			CREATE TABLE emails (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				provider_message_id TEXT NOT NULL,
				thread_id TEXT NOT NULL DEFAULT '',

				from_address TEXT NOT NULL DEFAULT '',
				from_name TEXT NOT NULL DEFAULT '',
				to_list TEXT NOT NULL DEFAULT '[]',
				cc_list TEXT NOT NULL DEFAULT '[]',
				bcc_list TEXT NOT NULL DEFAULT '[]',

				subject TEXT NOT NULL DEFAULT '',
				body_text TEXT,
				body_html TEXT,
				snippet TEXT NOT NULL DEFAULT '',

				date TEXT NOT NULL DEFAULT '',
				received_at TEXT NOT NULL DEFAULT '',

				flags TEXT NOT NULL DEFAULT '',
				labels TEXT NOT NULL DEFAULT '[]',

				in_reply_to TEXT NOT NULL DEFAULT '',
				refs TEXT NOT NULL DEFAULT '[]',
				headers TEXT NOT NULL DEFAULT '{}',

				size_bytes INTEGER NOT NULL DEFAULT 0,
				has_attachments INTEGER NOT NULL DEFAULT 0,

				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(account_id, provider_message_id)
			);

			CREATE INDEX idx_emails_account_date ON emails(account_id, date DESC);
			CREATE INDEX idx_emails_thread ON emails(account_id, thread_id);
			CREATE INDEX idx_emails_from ON emails(from_address);

			CREATE TABLE attachments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
				filename TEXT NOT NULL DEFAULT '',
				mime_type TEXT NOT NULL DEFAULT '',
				size_bytes INTEGER NOT NULL DEFAULT 0,
				content_id TEXT NOT NULL DEFAULT '',
				provider_attachment_id TEXT NOT NULL DEFAULT '',
				local_path TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			);

			CREATE INDEX idx_attachments_email ON attachments(email_id);
			CREATE INDEX idx_attachments_cached ON attachments(created_at)
				WHERE local_path != '';

			CREATE TABLE rules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_type TEXT NOT NULL,
				conditions TEXT NOT NULL,
				actions TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);

			CREATE INDEX idx_rules_account ON rules(account_id);

			CREATE TABLE audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				rule_id INTEGER NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
				email_id INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
				matched INTEGER NOT NULL,
				actions_applied TEXT NOT NULL DEFAULT '[]',
				dry_run INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				state_before TEXT NOT NULL,
				state_after TEXT,
				rolled_back INTEGER NOT NULL DEFAULT 0,
				rolled_back_at TEXT NOT NULL DEFAULT '',
				executed_at TEXT NOT NULL
			);

			CREATE INDEX idx_audit_rule ON audit_log(rule_id, executed_at DESC);
			CREATE INDEX idx_audit_email ON audit_log(email_id, executed_at DESC);

			CREATE TABLE sync_metrics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				provider TEXT NOT NULL,
				sync_type TEXT NOT NULL,
				emails_added INTEGER NOT NULL DEFAULT 0,
				emails_deleted INTEGER NOT NULL DEFAULT 0,
				labels_changed INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				success INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				synced_at TEXT NOT NULL
			);

			CREATE INDEX idx_sync_metrics_account ON sync_metrics(account_id, synced_at DESC);
		`,
	},
	{
		Version: 2,
		Name:    "emails_fts",
		DDL: `
			CREATE VIRTUAL TABLE emails_fts USING fts5(
				subject, body_text, from_name, from_address,
				content='emails', content_rowid='id',
				tokenize='porter unicode61'
			);

			CREATE TRIGGER emails_fts_ai AFTER INSERT ON emails BEGIN
				INSERT INTO emails_fts(rowid, subject, body_text, from_name, from_address)
				VALUES (new.id, new.subject, COALESCE(new.body_text, ''), new.from_name, new.from_address);
			END;

			CREATE TRIGGER emails_fts_ad AFTER DELETE ON emails BEGIN
				INSERT INTO emails_fts(emails_fts, rowid, subject, body_text, from_name, from_address)
				VALUES ('delete', old.id, old.subject, COALESCE(old.body_text, ''), old.from_name, old.from_address);
			END;

			CREATE TRIGGER emails_fts_au AFTER UPDATE ON emails BEGIN
				INSERT INTO emails_fts(emails_fts, rowid, subject, body_text, from_name, from_address)
				VALUES ('delete', old.id, old.subject, COALESCE(old.body_text, ''), old.from_name, old.from_address);
				INSERT INTO emails_fts(rowid, subject, body_text, from_name, from_address)
				VALUES (new.id, new.subject, COALESCE(new.body_text, ''), new.from_name, new.from_address);
			END;
		`,
	},
}

// checksum computes the SHA-256 of a migration's DDL.
func checksum(ddl string) string {
	sum := sha256.Sum256([]byte(ddl))
	return hex.EncodeToString(sum[:])
}

// Migrate applies pending migrations and verifies checksums of applied ones.
// Each migration's DDL and its bookkeeping row are committed in a single
// transaction, so a failure leaves the schema at the previous version.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		want := checksum(m.DDL)

		var got string
		err := s.db.QueryRow(
			`SELECT checksum FROM migrations WHERE version = ?`, m.Version,
		).Scan(&got)
		switch {
		case err == nil:
			if got != want {
				return mailerr.Integrity(
					"migration %d (%s) checksum mismatch: recorded %s, computed %s",
					m.Version, m.Name, got, want)
			}
			continue
		case err != sql.ErrNoRows:
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		err = s.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.DDL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
			}
			_, err := tx.Exec(
				`INSERT INTO migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, want, nowUTC())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns max(applied migration version), or 0 for an
// uninitialized database.
func (s *Store) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
