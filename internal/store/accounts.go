package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
)

// Provider tags. "custom" covers any IMAP server not in the detection table.
const (
	ProviderGmail      = "gmail"
	ProviderOutlook    = "outlook"
	ProviderYahoo      = "yahoo"
	ProviderICloud     = "icloud"
	ProviderFastmail   = "fastmail"
	ProviderProtonmail = "protonmail"
	ProviderCustom     = "custom"
)

// Auth tags.
const (
	AuthOAuth = "oauth"
	AuthIMAP  = "imap"
)

// Account is one mailbox at one provider. (provider, email) is unique.
type Account struct {
	ID          int64
	Provider    string
	Email       string
	DisplayName string
	AuthType    string
	IsActive    bool

	// OAuth branch.
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time

	// IMAP branch. PasswordEncrypted is the vault's ivHex:cipherHex form.
	IMAPHost          string
	IMAPPort          int
	SMTPHost          string
	SMTPPort          int
	PasswordEncrypted string

	// Sync state. SyncCursor holds the Gmail historyId or Graph deltaLink;
	// IMAP accounts track (UIDValidity, HighestModseq) instead.
	SyncCursor    string
	UIDValidity   uint32
	HighestModseq uint64
	LastSyncAt    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

const accountColumns = `
	id, provider, email, display_name, auth_type, is_active,
	access_token, refresh_token, token_expires_at,
	imap_host, imap_port, smtp_host, smtp_port, password_encrypted,
	sync_cursor, uid_validity, highest_modseq, last_sync_at,
	created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var isActive int
	var expiresAt, lastSyncAt, createdAt, updatedAt string
	err := row.Scan(
		&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.AuthType, &isActive,
		&a.AccessToken, &a.RefreshToken, &expiresAt,
		&a.IMAPHost, &a.IMAPPort, &a.SMTPHost, &a.SMTPPort, &a.PasswordEncrypted,
		&a.SyncCursor, &a.UIDValidity, &a.HighestModseq, &lastSyncAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.IsActive = isActive != 0
	a.TokenExpiresAt = parseTime(expiresAt)
	a.LastSyncAt = parseTime(lastSyncAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// CreateAccount inserts a new account. A second account with the same
// (provider, email) fails with a Duplicate error.
func (s *Store) CreateAccount(a *Account) (int64, error) {
	now := nowUTC()
	result, err := s.db.Exec(`
		INSERT INTO accounts (
			provider, email, display_name, auth_type, is_active,
			access_token, refresh_token, token_expires_at,
			imap_host, imap_port, smtp_host, smtp_port, password_encrypted,
			sync_cursor, uid_validity, highest_modseq, last_sync_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Provider, a.Email, a.DisplayName, a.AuthType, boolInt(a.IsActive),
		a.AccessToken, a.RefreshToken, formatTime(a.TokenExpiresAt),
		a.IMAPHost, a.IMAPPort, a.SMTPHost, a.SMTPPort, a.PasswordEncrypted,
		a.SyncCursor, a.UIDValidity, a.HighestModseq, formatTime(a.LastSyncAt),
		now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, mailerr.Duplicate("account %s already exists for provider %s", a.Email, a.Provider)
		}
		return 0, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(id int64) (*Account, error) {
	row := s.db.QueryRow(`SELECT`+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccountByEmail returns the account for (provider, email), or NotFound.
func (s *Store) GetAccountByEmail(provider, email string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT`+accountColumns+` FROM accounts WHERE provider = ? AND email = ?`,
		provider, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, mailerr.NotFound("no %s account for %s", provider, email)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by email.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT` + accountColumns + ` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateOAuthTokens persists a refreshed token set. Only the token-refresh
// path mutates these columns.
func (s *Store) UpdateOAuthTokens(id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	return s.mustUpdate(`
		UPDATE accounts
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, "account", id, accessToken, refreshToken, formatTime(expiresAt), nowUTC(), id)
}

// UpdateSyncCursor records the provider cursor after a successful sync run.
func (s *Store) UpdateSyncCursor(id int64, cursor string) error {
	return s.mustUpdate(`
		UPDATE accounts
		SET sync_cursor = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, "account", id, cursor, nowUTC(), nowUTC(), id)
}

// UpdateIMAPSyncState records UIDVALIDITY and HIGHESTMODSEQ for an IMAP
// account after a successful sync run.
func (s *Store) UpdateIMAPSyncState(id int64, uidValidity uint32, highestModseq uint64) error {
	return s.mustUpdate(`
		UPDATE accounts
		SET uid_validity = ?, highest_modseq = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, "account", id, uidValidity, highestModseq, nowUTC(), nowUTC(), id)
}

// SetAccountActive soft-activates or deactivates an account.
func (s *Store) SetAccountActive(id int64, active bool) error {
	return s.mustUpdate(`
		UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?
	`, "account", id, boolInt(active), nowUTC(), id)
}

// DeleteAccount removes an account. Emails, attachments, rules, audit rows,
// and sync metrics cascade via foreign keys.
func (s *Store) DeleteAccount(id int64) error {
	result, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("account", id)
	}
	return nil
}

// mustUpdate runs an UPDATE and converts zero affected rows to NotFound.
func (s *Store) mustUpdate(query, entity string, id int64, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
