// Package config handles loading and managing intentmail configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Environment variable names. Environment values override the config file.
const (
	EnvDBPath        = "INTENTMAIL_DB_PATH"
	EnvEncryptionKey = "INTENTMAIL_ENCRYPTION_KEY"

	EnvGmailClientID     = "GMAIL_CLIENT_ID"
	EnvGmailClientSecret = "GMAIL_CLIENT_SECRET"
	EnvGmailRedirectURI  = "GMAIL_REDIRECT_URI"

	EnvOutlookClientID     = "OUTLOOK_CLIENT_ID"
	EnvOutlookClientSecret = "OUTLOOK_CLIENT_SECRET"
	EnvOutlookRedirectURI  = "OUTLOOK_REDIRECT_URI"
	EnvOutlookTenantID     = "OUTLOOK_TENANT_ID"
)

// OAuthApp holds the registered OAuth application credentials for a provider.
type OAuthApp struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
	TenantID     string `toml:"tenant_id"` // Microsoft only; defaults to "common"
}

// Configured reports whether the app registration is usable.
func (a OAuthApp) Configured() bool {
	return a.ClientID != ""
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DBPath   string `toml:"db_path"`
	CacheDir string `toml:"cache_dir"`
}

// SyncConfig holds sync-related tunables.
type SyncConfig struct {
	MaxMessages     int `toml:"max_messages"`     // initial sync cap (default 1000)
	FetchParallel   int `toml:"fetch_parallel"`   // bounded parallelism per run (default 8)
	RateLimitQPS    int `toml:"rate_limit_qps"`   // provider request budget (default 5)
	MetricsRetained int `toml:"metrics_retained"` // sync_metrics rows kept (default 1000)
}

// AccountSchedule defines a cron-driven sync schedule for one account.
type AccountSchedule struct {
	Email    string `toml:"email"`
	Schedule string `toml:"schedule"` // cron expression
	Enabled  bool   `toml:"enabled"`
}

// Config is the resolved intentmail configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	Sync     SyncConfig        `toml:"sync"`
	Gmail    OAuthApp          `toml:"gmail"`
	Outlook  OAuthApp          `toml:"outlook"`
	Accounts []AccountSchedule `toml:"accounts"`

	// EncryptionKey is the process-wide vault secret. Never written to the
	// config file; environment only.
	EncryptionKey string `toml:"-"`

	HomeDir string `toml:"-"`
}

// DefaultHome returns the intentmail home directory, honoring INTENTMAIL_HOME.
func DefaultHome() string {
	if h := os.Getenv("INTENTMAIL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".intentmail"
	}
	return filepath.Join(home, ".intentmail")
}

// Load reads configuration from path (default ~/.intentmail/config.toml),
// then applies environment overrides. The config file is optional.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()
	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DBPath:   filepath.Join("data", "intentmail.db"),
			CacheDir: filepath.Join("data", "attachment-cache"),
		},
		Sync: SyncConfig{
			MaxMessages:     1000,
			FetchParallel:   8,
			RateLimitQPS:    5,
			MetricsRetained: 1000,
		},
		Outlook: OAuthApp{TenantID: "common"},
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()

	cfg.Data.DBPath = expandPath(cfg.Data.DBPath)
	cfg.Data.CacheDir = expandPath(cfg.Data.CacheDir)
	if cfg.Outlook.TenantID == "" {
		cfg.Outlook.TenantID = "common"
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	setIfEnv(&c.Data.DBPath, EnvDBPath)
	setIfEnv(&c.EncryptionKey, EnvEncryptionKey)

	setIfEnv(&c.Gmail.ClientID, EnvGmailClientID)
	setIfEnv(&c.Gmail.ClientSecret, EnvGmailClientSecret)
	setIfEnv(&c.Gmail.RedirectURI, EnvGmailRedirectURI)

	setIfEnv(&c.Outlook.ClientID, EnvOutlookClientID)
	setIfEnv(&c.Outlook.ClientSecret, EnvOutlookClientSecret)
	setIfEnv(&c.Outlook.RedirectURI, EnvOutlookRedirectURI)
	setIfEnv(&c.Outlook.TenantID, EnvOutlookTenantID)
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// DatabasePath returns the path to the SQLite database file.
func (c *Config) DatabasePath() string {
	return c.Data.DBPath
}

// AttachmentCacheDir returns the attachment cache directory.
func (c *Config) AttachmentCacheDir() string {
	return c.Data.CacheDir
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
