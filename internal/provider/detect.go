package provider

import (
	"strings"

	"github.com/intentmail/intentmail/internal/store"
)

// IMAPSettings are the connection parameters for a known IMAP provider.
type IMAPSettings struct {
	Provider         string
	IMAPHost         string
	IMAPPort         int
	SMTPHost         string
	SMTPPort         int
	RequiresAppPass  bool   // account password will not work; an app password is required
	SetupInstruction string // shown when RequiresAppPass is set
}

// knownIMAPProviders maps email domains to their server settings. Ports are
// IMAPS (993) and SMTP submission with STARTTLS (587) throughout.
var knownIMAPProviders = map[string]IMAPSettings{
	"gmail.com": {
		Provider: store.ProviderGmail,
		IMAPHost: "imap.gmail.com", IMAPPort: 993,
		SMTPHost: "smtp.gmail.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app password at https://myaccount.google.com/apppasswords",
	},
	"googlemail.com": {
		Provider: store.ProviderGmail,
		IMAPHost: "imap.gmail.com", IMAPPort: 993,
		SMTPHost: "smtp.gmail.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app password at https://myaccount.google.com/apppasswords",
	},
	"yahoo.com": {
		Provider: store.ProviderYahoo,
		IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993,
		SMTPHost: "smtp.mail.yahoo.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app password in Yahoo account security settings",
	},
	"icloud.com": {
		Provider: store.ProviderICloud,
		IMAPHost: "imap.mail.me.com", IMAPPort: 993,
		SMTPHost: "smtp.mail.me.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app-specific password at https://appleid.apple.com",
	},
	"me.com": {
		Provider: store.ProviderICloud,
		IMAPHost: "imap.mail.me.com", IMAPPort: 993,
		SMTPHost: "smtp.mail.me.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app-specific password at https://appleid.apple.com",
	},
	"fastmail.com": {
		Provider: store.ProviderFastmail,
		IMAPHost: "imap.fastmail.com", IMAPPort: 993,
		SMTPHost: "smtp.fastmail.com", SMTPPort: 587,
		RequiresAppPass:  true,
		SetupInstruction: "create an app password in Fastmail settings",
	},
	"protonmail.com": {
		Provider: store.ProviderProtonmail,
		IMAPHost: "127.0.0.1", IMAPPort: 1143,
		SMTPHost: "127.0.0.1", SMTPPort: 1025,
		RequiresAppPass:  true,
		SetupInstruction: "install and run Proton Mail Bridge; use the bridge password",
	},
	"proton.me": {
		Provider: store.ProviderProtonmail,
		IMAPHost: "127.0.0.1", IMAPPort: 1143,
		SMTPHost: "127.0.0.1", SMTPPort: 1025,
		RequiresAppPass:  true,
		SetupInstruction: "install and run Proton Mail Bridge; use the bridge password",
	},
}

// DetectIMAPSettings looks up server settings for an email address. The
// second return is false for unknown domains, where the caller must supply
// explicit host and port configuration.
func DetectIMAPSettings(email string) (IMAPSettings, bool) {
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return IMAPSettings{}, false
	}
	domain := strings.ToLower(email[idx+1:])
	settings, ok := knownIMAPProviders[domain]
	return settings, ok
}
