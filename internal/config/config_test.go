package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/intentmail/intentmail/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INTENTMAIL_HOME", t.TempDir())
	t.Setenv(config.EnvDBPath, "")
	t.Setenv(config.EnvEncryptionKey, "")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxMessages != 1000 || cfg.Sync.FetchParallel != 8 {
		t.Errorf("sync defaults %+v", cfg.Sync)
	}
	if cfg.Sync.MetricsRetained != 1000 {
		t.Errorf("metrics retained %d", cfg.Sync.MetricsRetained)
	}
	if cfg.Outlook.TenantID != "common" {
		t.Errorf("tenant %q", cfg.Outlook.TenantID)
	}
	if cfg.DatabasePath() != filepath.Join("data", "intentmail.db") {
		t.Errorf("db path %q", cfg.DatabasePath())
	}
	if cfg.Gmail.Configured() {
		t.Error("gmail configured with no credentials")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("INTENTMAIL_HOME", t.TempDir())
	t.Setenv(config.EnvDBPath, "")

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[data]
db_path = "/var/lib/intentmail/mail.db"

[sync]
max_messages = 250

[gmail]
client_id = "app-id"
client_secret = "app-secret"

[[accounts]]
email = "me@gmail.com"
schedule = "*/15 * * * *"
enabled = true

[[accounts]]
email = "paused@gmail.com"
schedule = "0 * * * *"
enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath() != "/var/lib/intentmail/mail.db" {
		t.Errorf("db path %q", cfg.DatabasePath())
	}
	if cfg.Sync.MaxMessages != 250 {
		t.Errorf("max messages %d", cfg.Sync.MaxMessages)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.FetchParallel != 8 {
		t.Errorf("fetch parallel %d", cfg.Sync.FetchParallel)
	}
	if !cfg.Gmail.Configured() || cfg.Gmail.ClientID != "app-id" {
		t.Errorf("gmail %+v", cfg.Gmail)
	}

	scheduled := cfg.ScheduledAccounts()
	if len(scheduled) != 1 || scheduled[0].Email != "me@gmail.com" {
		t.Errorf("scheduled %+v", scheduled)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("INTENTMAIL_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[data]\ndb_path = \"from-file.db\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvDBPath, "/tmp/from-env.db")
	t.Setenv(config.EnvEncryptionKey, "hunter2")
	t.Setenv(config.EnvOutlookTenantID, "contoso")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath() != "/tmp/from-env.db" {
		t.Errorf("db path %q", cfg.DatabasePath())
	}
	if cfg.EncryptionKey != "hunter2" {
		t.Errorf("encryption key %q", cfg.EncryptionKey)
	}
	if cfg.Outlook.TenantID != "contoso" {
		t.Errorf("tenant %q", cfg.Outlook.TenantID)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("INTENTMAIL_HOME", t.TempDir())
	t.Setenv(config.EnvDBPath, "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.MaxMessages != 1000 {
		t.Errorf("defaults not applied: %+v", cfg.Sync)
	}
}
