package provider_test

import (
	"testing"

	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/store"
)

func TestDetectIMAPSettings(t *testing.T) {
	settings, ok := provider.DetectIMAPSettings("Someone@GMAIL.com")
	if !ok {
		t.Fatal("gmail.com not detected")
	}
	if settings.Provider != store.ProviderGmail {
		t.Errorf("provider %q", settings.Provider)
	}
	if settings.IMAPHost != "imap.gmail.com" || settings.IMAPPort != 993 {
		t.Errorf("imap %s:%d", settings.IMAPHost, settings.IMAPPort)
	}
	if settings.SMTPHost != "smtp.gmail.com" || settings.SMTPPort != 587 {
		t.Errorf("smtp %s:%d", settings.SMTPHost, settings.SMTPPort)
	}
	if !settings.RequiresAppPass || settings.SetupInstruction == "" {
		t.Error("gmail should require an app password with instructions")
	}

	if s, ok := provider.DetectIMAPSettings("user@me.com"); !ok || s.Provider != store.ProviderICloud {
		t.Errorf("me.com: ok=%v provider=%q", ok, s.Provider)
	}
}

func TestDetectIMAPSettingsUnknown(t *testing.T) {
	for _, email := range []string{"user@corp.example", "not-an-address", ""} {
		if _, ok := provider.DetectIMAPSettings(email); ok {
			t.Errorf("detected settings for %q", email)
		}
	}
}
