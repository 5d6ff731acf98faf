// Package oauth runs the authorization-code flows for Gmail and Microsoft
// accounts.
//
// Both providers use PKCE (S256). The flow is split so callers can drive
// it two ways: Start returns the authorization URL and a pending-state
// handle, Complete exchanges the code; or Authorize runs the whole thing
// with a loopback callback server and a browser.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// GmailScopes cover read, modify, and send.
var GmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.send",
}

// GraphScopes cover mail read/write/send plus offline refresh.
var GraphScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"https://graph.microsoft.com/User.Read",
}

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

func microsoftEndpoint(tenant string) oauth2.Endpoint {
	if tenant == "" {
		tenant = "common"
	}
	return oauth2.Endpoint{
		AuthURL:  fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/authorize", tenant),
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
	}
}

// flowTimeout bounds how long a pending authorization stays valid.
const flowTimeout = 5 * time.Minute

// Config builds the oauth2.Config for a provider from app registration.
func Config(providerName string, app config.OAuthApp) (*oauth2.Config, error) {
	if !app.Configured() {
		return nil, mailerr.Validation("%s OAuth app is not configured; set the client id and secret", providerName)
	}
	cfg := &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
	}
	switch providerName {
	case store.ProviderGmail:
		cfg.Endpoint = googleEndpoint
		cfg.Scopes = GmailScopes
	case store.ProviderOutlook:
		cfg.Endpoint = microsoftEndpoint(app.TenantID)
		cfg.Scopes = GraphScopes
	default:
		return nil, mailerr.Validation("provider %q does not use OAuth", providerName)
	}
	return cfg, nil
}

// Pending is one in-flight authorization.
type Pending struct {
	Provider  string
	AuthURL   string
	State     string
	verifier  string
	cfg       *oauth2.Config
	startedAt time.Time
}

// Manager tracks pending authorizations by state.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Pending
	logger  *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending: make(map[string]*Pending),
		logger:  logger,
	}
}

// Start begins an authorization flow and returns the URL the user must
// visit. The returned state keys the later Complete call.
func (m *Manager) Start(providerName string, app config.OAuthApp) (*Pending, error) {
	cfg, err := Config(providerName, app)
	if err != nil {
		return nil, err
	}

	state, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(32)
	if err != nil {
		return nil, err
	}

	p := &Pending{
		Provider:  providerName,
		State:     state,
		verifier:  verifier,
		cfg:       cfg,
		startedAt: time.Now(),
	}
	p.AuthURL = cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	m.mu.Lock()
	m.expireLocked()
	m.pending[state] = p
	m.mu.Unlock()
	return p, nil
}

// Complete exchanges the authorization code for tokens. The state must
// match a pending flow started within the last five minutes.
func (m *Manager) Complete(ctx context.Context, state, code string) (*Pending, *oauth2.Token, error) {
	m.mu.Lock()
	p, ok := m.pending[state]
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil, mailerr.AuthFailed("unknown or expired OAuth state")
	}
	if time.Since(p.startedAt) > flowTimeout {
		return nil, nil, mailerr.AuthFailed("authorization timed out; start again")
	}

	token, err := p.cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", p.verifier))
	if err != nil {
		return nil, nil, mailerr.Wrap(mailerr.KindAuthFailed, err, "exchange authorization code")
	}
	return p, token, nil
}

// expireLocked drops pending flows past the timeout. Caller holds mu.
func (m *Manager) expireLocked() {
	for state, p := range m.pending {
		if time.Since(p.startedAt) > flowTimeout {
			delete(m.pending, state)
		}
	}
}

// Authorize runs the whole flow interactively: a loopback callback server
// is started on the redirect URI's port, the browser is opened, and the
// exchanged token is returned.
func (m *Manager) Authorize(ctx context.Context, providerName string, app config.OAuthApp) (*oauth2.Token, error) {
	if app.RedirectURI == "" {
		app.RedirectURI = "http://localhost:8089/callback"
	}
	p, err := m.Start(providerName, app)
	if err != nil {
		return nil, err
	}

	addr, path, err := loopbackAddr(app.RedirectURI)
	if err != nil {
		return nil, err
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("state") != p.State {
			errChan <- mailerr.AuthFailed("state mismatch in OAuth callback")
			fmt.Fprint(w, "Error: state mismatch")
			return
		}
		code := req.URL.Query().Get("code")
		if code == "" {
			errChan <- mailerr.AuthFailed("no authorization code in callback")
			fmt.Fprint(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprint(w, "Authorization successful! You can close this window.")
	})

	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If the browser does not open, visit:\n%s\n\n", p.AuthURL)
	if err := openBrowser(p.AuthURL); err != nil {
		m.logger.Warn("open browser", "error", err)
	}

	ctx, cancel := context.WithTimeout(ctx, flowTimeout)
	defer cancel()

	select {
	case code := <-codeChan:
		_, token, err := m.Complete(ctx, p.State, code)
		return token, err
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, mailerr.AuthFailed("authorization timed out after %s", flowTimeout)
	}
}

// loopbackAddr splits a redirect URI like http://localhost:8089/callback
// into a listen address and handler path.
func loopbackAddr(redirectURI string) (addr, path string, err error) {
	const prefix = "http://"
	if len(redirectURI) <= len(prefix) || redirectURI[:len(prefix)] != prefix {
		return "", "", mailerr.Validation("redirect URI must be a loopback http:// address, got %q", redirectURI)
	}
	rest := redirectURI[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i:], nil
		}
	}
	return rest, "/", nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// pkceChallenge derives the S256 challenge from a verifier.
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
