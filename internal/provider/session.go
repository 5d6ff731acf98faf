package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// refreshWindow is how long before expiry a token is refreshed. Refreshing
// early keeps a token from expiring mid-request.
const refreshWindow = 5 * time.Minute

// TokenSaver persists a refreshed token set for an account.
type TokenSaver func(accountID int64, accessToken, refreshToken string, expiresAt time.Time) error

// AccountTokenSource yields valid access tokens for one OAuth account,
// refreshing through the provider's token endpoint when the stored token
// is within the refresh window and persisting the replacement.
type AccountTokenSource struct {
	mu     sync.Mutex
	cfg    *oauth2.Config
	token  *oauth2.Token
	id     int64
	save   TokenSaver
	logger *slog.Logger
}

// NewAccountTokenSource builds a token source from stored account state.
func NewAccountTokenSource(cfg *oauth2.Config, acct *store.Account, save TokenSaver, logger *slog.Logger) *AccountTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountTokenSource{
		cfg: cfg,
		token: &oauth2.Token{
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			Expiry:       acct.TokenExpiresAt,
			TokenType:    "Bearer",
		},
		id:     acct.ID,
		save:   save,
		logger: logger,
	}
}

// Token implements oauth2.TokenSource.
func (ts *AccountTokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token.AccessToken != "" && time.Until(ts.token.Expiry) > refreshWindow {
		return ts.token, nil
	}
	if ts.token.RefreshToken == "" {
		return nil, mailerr.AuthFailed("account %d has no refresh token; re-authorize", ts.id)
	}

	refreshed, err := ts.cfg.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: ts.token.RefreshToken,
	}).Token()
	if err != nil {
		return nil, mailerr.AuthFailed("refresh token for account %d: %v", ts.id, err)
	}

	// Some providers rotate the refresh token; keep the old one when the
	// response omits it.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = ts.token.RefreshToken
	}
	ts.token = refreshed

	if ts.save != nil {
		if err := ts.save(ts.id, refreshed.AccessToken, refreshed.RefreshToken, refreshed.Expiry); err != nil {
			ts.logger.Warn("persist refreshed token", "account_id", ts.id, "error", err)
		}
	}
	return ts.token, nil
}

var _ oauth2.TokenSource = (*AccountTokenSource)(nil)
