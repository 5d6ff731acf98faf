// Package provider defines the contract every mail backend satisfies.
//
// Adapters are stateless with respect to accounts: they are constructed
// per account from stored credentials and hold no database handles. All
// provider-specific failures are translated to the shared error taxonomy
// before they cross this boundary.
package provider

import (
	"context"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/mime"
	"github.com/intentmail/intentmail/internal/store"
)

// MaxBatchSize caps BatchGetMessages requests.
const MaxBatchSize = 100

// Profile describes the authenticated mailbox.
type Profile struct {
	Email         string
	DisplayName   string
	TotalMessages int64
}

// Message is a provider message normalized for storage. ProviderMessageID
// is the provider's stable identifier (Gmail message id, Graph id, or
// "uidvalidity:uid" for IMAP).
type Message struct {
	ProviderMessageID string
	ThreadID          string

	From store.Addr
	To   []store.Addr
	Cc   []store.Addr
	Bcc  []store.Addr

	Subject  string
	BodyText string
	BodyHTML string
	Snippet  string

	Date       time.Time
	ReceivedAt time.Time

	Flags  []string
	Labels []string

	InReplyTo  string
	References []string
	Headers    map[string]string

	SizeBytes   int64
	Attachments []Attachment
}

// Attachment is attachment metadata as reported by the provider. Content
// is fetched separately through GetAttachment.
type Attachment struct {
	ProviderAttachmentID string
	Filename             string
	MimeType             string
	ContentID            string
	SizeBytes            int64
}

// MessagePage is one page of message ids from ListMessages.
type MessagePage struct {
	IDs           []string
	NextPageToken string
}

// Delta is the result of one ListDelta call.
type Delta struct {
	// Changed holds ids of added or modified messages; the sync engine
	// re-fetches them in batches.
	Changed []string
	// Deleted holds ids of removed messages.
	Deleted []string
	// Cursor is the new cursor to persist after the run succeeds.
	Cursor string
	// FullResync signals that the cursor is no longer usable (expired
	// Gmail history, Graph resync required, IMAP UIDVALIDITY change) and
	// the caller must run an initial sync instead.
	FullResync bool
}

// Folder is one mailbox folder or label.
type Folder struct {
	ID     string
	Name   string
	Role   string // "inbox", "sent", "trash", "archive", "" for plain folders
	Total  int64
	Unread int64
}

// Client is one authenticated connection to a mail provider.
type Client interface {
	// Name returns the provider tag ("gmail", "outlook", "imap").
	Name() string

	// UserProfile fetches the authenticated mailbox's identity.
	UserProfile(ctx context.Context) (*Profile, error)

	// ListMessages pages over message ids, newest first. pageSize above
	// the provider's limit is clamped.
	ListMessages(ctx context.Context, pageToken string, pageSize int) (*MessagePage, error)

	// GetMessage fetches one full message.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// BatchGetMessages fetches up to MaxBatchSize messages. Individual
	// failures drop out of the result rather than failing the batch.
	BatchGetMessages(ctx context.Context, ids []string) ([]*Message, error)

	// ListDelta returns changes since cursor. An empty cursor is invalid;
	// callers start with an initial sync to obtain one. InitialCursor
	// supplies the cursor an initial sync should persist.
	ListDelta(ctx context.Context, cursor string) (*Delta, error)

	// InitialCursor returns the cursor to persist after an initial sync.
	InitialCursor(ctx context.Context) (string, error)

	// SendMessage sends a composed message and returns its provider id,
	// when the provider reports one.
	SendMessage(ctx context.Context, msg *mime.Outgoing) (string, error)

	// ModifyLabels adds and removes labels (or flags/folders, per the
	// provider's model) on one message.
	ModifyLabels(ctx context.Context, id string, add, remove []string) error

	// Trash moves a message to the provider's trash.
	Trash(ctx context.Context, id string) error

	// Untrash restores a message from trash.
	Untrash(ctx context.Context, id string) error

	// Delete permanently deletes a message.
	Delete(ctx context.Context, id string) error

	// GetAttachment fetches one attachment's content.
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)

	// ListFolders enumerates folders or labels.
	ListFolders(ctx context.Context) ([]Folder, error)

	// Close releases any held connections.
	Close() error
}

// TranslateHTTPStatus maps an HTTP status to the error taxonomy. Adapters
// use it for statuses without a more specific translation.
func TranslateHTTPStatus(status int, body string) error {
	switch {
	case status == 401:
		return mailerr.AuthFailed("unauthorized (401): %s", body)
	case status == 403:
		return mailerr.Permanent("forbidden (403): %s", body)
	case status == 404:
		return mailerr.NotFound("not found (404)")
	case status == 429:
		return mailerr.RateLimited("rate limited (429)")
	case status >= 500:
		return mailerr.Transient("server error (%d)", status)
	default:
		return mailerr.Permanent("request failed (%d): %s", status, body)
	}
}
