package ops

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/oauth"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/provider/gmail"
	"github.com/intentmail/intentmail/internal/provider/graph"
	"github.com/intentmail/intentmail/internal/provider/imap"
	"github.com/intentmail/intentmail/internal/store"
)

// clientFor builds a provider client for an account from its stored,
// vault-sealed credentials. Secrets are decrypted here and live only in
// the returned client.
func (s *Service) clientFor(acct *store.Account) (provider.Client, error) {
	switch acct.AuthType {
	case store.AuthOAuth:
		return s.oauthClient(acct)
	case store.AuthIMAP:
		return s.imapClient(acct)
	}
	return nil, mailerr.Validation("account %d has unknown auth type %q", acct.ID, acct.AuthType)
}

func (s *Service) oauthApp(providerName string) (config.OAuthApp, error) {
	switch providerName {
	case store.ProviderGmail:
		return s.cfg.Gmail, nil
	case store.ProviderOutlook:
		return s.cfg.Outlook, nil
	}
	return config.OAuthApp{}, mailerr.Validation("provider %q does not use OAuth", providerName)
}

func (s *Service) oauthClient(acct *store.Account) (provider.Client, error) {
	app, err := s.oauthApp(acct.Provider)
	if err != nil {
		return nil, err
	}
	ocfg, err := oauth.Config(acct.Provider, app)
	if err != nil {
		return nil, err
	}

	// The token source wants plaintext tokens; decrypt into a copy so
	// the sealed values on acct stay untouched.
	unsealed := *acct
	unsealed.AccessToken, err = s.vault.Decrypt(acct.AccessToken)
	if err != nil {
		return nil, mailerr.Trace(err, "decrypt access token")
	}
	unsealed.RefreshToken, err = s.vault.Decrypt(acct.RefreshToken)
	if err != nil {
		return nil, mailerr.Trace(err, "decrypt refresh token")
	}

	ts := provider.NewAccountTokenSource(ocfg, &unsealed, s.saveTokens, s.logger)
	qps := s.cfg.Sync.RateLimitQPS
	switch acct.Provider {
	case store.ProviderGmail:
		return gmail.New(ts, gmail.WithLogger(s.logger), gmail.WithQPS(float64(qps))), nil
	case store.ProviderOutlook:
		return graph.New(ts, graph.WithLogger(s.logger), graph.WithQPS(float64(qps))), nil
	}
	return nil, mailerr.Validation("no OAuth adapter for provider %q", acct.Provider)
}

// saveTokens re-seals rotated tokens before they touch the database.
func (s *Service) saveTokens(accountID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := s.vault.Encrypt(accessToken)
	if err != nil {
		return err
	}
	sealedRefresh, err := s.vault.Encrypt(refreshToken)
	if err != nil {
		return err
	}
	return s.store.UpdateOAuthTokens(accountID, sealedAccess, sealedRefresh, expiresAt)
}

func (s *Service) imapClient(acct *store.Account) (provider.Client, error) {
	password, err := s.vault.Decrypt(acct.PasswordEncrypted)
	if err != nil {
		return nil, mailerr.Trace(err, "decrypt account password")
	}
	return imap.New(&imap.Config{
		Email:    acct.Email,
		Password: password,
		IMAPHost: acct.IMAPHost,
		IMAPPort: acct.IMAPPort,
		SMTPHost: acct.SMTPHost,
		SMTPPort: acct.SMTPPort,
	}, imap.WithLogger(s.logger)), nil
}

// sealedToken encrypts one oauth2 token pair for storage.
func (s *Service) sealToken(tok *oauth2.Token) (access, refresh string, err error) {
	access, err = s.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.vault.Encrypt(tok.RefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}
