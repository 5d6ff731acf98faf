package ops

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/provider/gmail"
	"github.com/intentmail/intentmail/internal/provider/graph"
	"github.com/intentmail/intentmail/internal/provider/imap"
	"github.com/intentmail/intentmail/internal/store"
)

// AccountInfo is the catalogue view of one account.
type AccountInfo struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	AuthType    string    `json:"authType"`
	IsActive    bool      `json:"isActive"`
	EmailCount  int64     `json:"emailCount"`
	LastSyncAt  time.Time `json:"lastSyncAt,omitempty"`
}

// ListAccounts returns every configured account with its email count.
func (s *Service) ListAccounts() ([]AccountInfo, error) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		return nil, err
	}
	out := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		count, err := s.store.CountEmails(a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, AccountInfo{
			ID:          a.ID,
			Provider:    a.Provider,
			Email:       a.Email,
			DisplayName: a.DisplayName,
			AuthType:    a.AuthType,
			IsActive:    a.IsActive,
			EmailCount:  count,
			LastSyncAt:  a.LastSyncAt,
		})
	}
	return out, nil
}

// OAuthStart is the handle returned by StartOAuth; the caller sends the
// user to AuthURL and calls CompleteOAuth with the state and code.
type OAuthStart struct {
	Provider string `json:"provider"`
	AuthURL  string `json:"authUrl"`
	State    string `json:"state"`
}

// StartOAuth begins the authorization flow for gmail or outlook.
func (s *Service) StartOAuth(providerName string) (*OAuthStart, error) {
	app, err := s.oauthApp(providerName)
	if err != nil {
		return nil, err
	}
	pending, err := s.oauth.Start(providerName, app)
	if err != nil {
		return nil, err
	}
	return &OAuthStart{
		Provider: providerName,
		AuthURL:  pending.AuthURL,
		State:    pending.State,
	}, nil
}

// CompleteOAuth exchanges the authorization code, resolves the mailbox
// identity, and creates the account with vault-sealed tokens.
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*AccountInfo, error) {
	if state == "" || code == "" {
		return nil, mailerr.Validation("state and code are required")
	}
	pending, token, err := s.oauth.Complete(ctx, state, code)
	if err != nil {
		return nil, err
	}
	return s.createOAuthAccount(ctx, pending.Provider, token)
}

// Authorize runs the whole OAuth flow interactively: loopback callback
// server, browser, exchange, account creation.
func (s *Service) Authorize(ctx context.Context, providerName string) (*AccountInfo, error) {
	app, err := s.oauthApp(providerName)
	if err != nil {
		return nil, err
	}
	token, err := s.oauth.Authorize(ctx, providerName, app)
	if err != nil {
		return nil, err
	}
	return s.createOAuthAccount(ctx, providerName, token)
}

func (s *Service) createOAuthAccount(ctx context.Context, providerName string, token *oauth2.Token) (*AccountInfo, error) {
	profile, err := profileForToken(ctx, providerName, token)
	if err != nil {
		return nil, err
	}

	sealedAccess, sealedRefresh, err := s.sealToken(token)
	if err != nil {
		return nil, err
	}
	acct := &store.Account{
		Provider:       providerName,
		Email:          profile.Email,
		DisplayName:    profile.DisplayName,
		AuthType:       store.AuthOAuth,
		IsActive:       true,
		AccessToken:    sealedAccess,
		RefreshToken:   sealedRefresh,
		TokenExpiresAt: token.Expiry,
	}
	if _, err := s.store.CreateAccount(acct); err != nil {
		return nil, err
	}
	s.logger.Info("account connected",
		"provider", acct.Provider, "email", acct.Email, "account_id", acct.ID)
	return &AccountInfo{
		ID:       acct.ID,
		Provider: acct.Provider,
		Email:    acct.Email,
		AuthType: acct.AuthType,
		IsActive: true,
	}, nil
}

// profileForToken resolves the authenticated mailbox with a one-shot
// client over the freshly exchanged token.
func profileForToken(ctx context.Context, providerName string, token *oauth2.Token) (*provider.Profile, error) {
	ts := oauth2.StaticTokenSource(token)
	var client provider.Client
	switch providerName {
	case store.ProviderGmail:
		client = gmail.New(ts)
	case store.ProviderOutlook:
		client = graph.New(ts)
	default:
		return nil, mailerr.Validation("no OAuth adapter for provider %q", providerName)
	}
	defer client.Close()
	return client.UserProfile(ctx)
}

// IMAPAuthInput is the input to IMAPAuth. Host and port fields override
// provider detection; all four are required when the domain is unknown.
type IMAPAuthInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IMAPHost string `json:"imapHost,omitempty"`
	IMAPPort int    `json:"imapPort,omitempty"`
	SMTPHost string `json:"smtpHost,omitempty"`
	SMTPPort int    `json:"smtpPort,omitempty"`
}

// IMAPAuthResult reports the created account and the connection check.
type IMAPAuthResult struct {
	Account       AccountInfo `json:"account"`
	IMAPConnected bool        `json:"imapConnected"`
	Note          string      `json:"note,omitempty"`
}

// IMAPAuth creates an IMAP/SMTP account. Settings are detected from the
// email domain when not given, the connection is verified by fetching
// the mailbox profile, and the password is vault-sealed before storage.
func (s *Service) IMAPAuth(ctx context.Context, in IMAPAuthInput) (*IMAPAuthResult, error) {
	if in.Email == "" || in.Password == "" {
		return nil, mailerr.Validation("email and password are required")
	}

	providerName := store.ProviderCustom
	note := ""
	settings, known := provider.DetectIMAPSettings(in.Email)
	if known {
		providerName = settings.Provider
		if settings.RequiresAppPass {
			note = settings.SetupInstruction
		}
		if in.IMAPHost == "" {
			in.IMAPHost = settings.IMAPHost
			in.IMAPPort = settings.IMAPPort
		}
		if in.SMTPHost == "" {
			in.SMTPHost = settings.SMTPHost
			in.SMTPPort = settings.SMTPPort
		}
	}
	if in.IMAPHost == "" || in.SMTPHost == "" {
		return nil, mailerr.Validation(
			"no known settings for %q; imapHost and smtpHost are required",
			strings.ToLower(in.Email))
	}

	client := imap.New(&imap.Config{
		Email:    in.Email,
		Password: in.Password,
		IMAPHost: in.IMAPHost,
		IMAPPort: in.IMAPPort,
		SMTPHost: in.SMTPHost,
		SMTPPort: in.SMTPPort,
	}, imap.WithLogger(s.logger))
	defer client.Close()

	profile, err := client.UserProfile(ctx)
	if err != nil {
		return nil, err
	}

	sealed, err := s.vault.Encrypt(in.Password)
	if err != nil {
		return nil, err
	}
	acct := &store.Account{
		Provider:          providerName,
		Email:             in.Email,
		DisplayName:       profile.DisplayName,
		AuthType:          store.AuthIMAP,
		IsActive:          true,
		IMAPHost:          in.IMAPHost,
		IMAPPort:          in.IMAPPort,
		SMTPHost:          in.SMTPHost,
		SMTPPort:          in.SMTPPort,
		PasswordEncrypted: sealed,
	}
	if _, err := s.store.CreateAccount(acct); err != nil {
		return nil, err
	}
	s.logger.Info("IMAP account connected",
		"provider", providerName, "email", in.Email, "account_id", acct.ID)

	return &IMAPAuthResult{
		Account: AccountInfo{
			ID:       acct.ID,
			Provider: acct.Provider,
			Email:    acct.Email,
			AuthType: acct.AuthType,
			IsActive: true,
		},
		IMAPConnected: true,
		Note:          note,
	}, nil
}

// RemoveAccount deletes an account and everything that hangs off it.
func (s *Service) RemoveAccount(id int64) error {
	return s.store.DeleteAccount(id)
}

// SetAccountActive toggles whether scheduled syncs pick the account up.
func (s *Service) SetAccountActive(id int64, active bool) error {
	return s.store.SetAccountActive(id, active)
}
