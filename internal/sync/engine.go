// Package sync pulls provider mailboxes into the local store.
//
// Initial sync pages over the provider's listing until the configured
// message cap; delta sync replays the provider's change feed. In both
// modes the provider cursor is persisted only after the run succeeds, so
// a failed run replays its window on the next attempt and the upsert
// path absorbs the duplicates.
package sync

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/provider"
	"github.com/intentmail/intentmail/internal/store"
)

const (
	// pageSize bounds one listing page during initial sync.
	pageSize = 100

	// defaultMaxMessages caps an initial sync run.
	defaultMaxMessages = 1000

	// opRetries is how many times a retryable provider failure is
	// reattempted before the run fails.
	opRetries = 3

	maxRetryBackoff = 30 * time.Second
)

// Engine drives sync runs against the store.
type Engine struct {
	store       *store.Store
	logger      *slog.Logger
	maxMessages int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMaxMessages overrides the initial sync cap.
func WithMaxMessages(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxMessages = n
		}
	}
}

// NewEngine creates a sync engine.
func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		logger:      slog.Default(),
		maxMessages: defaultMaxMessages,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes one sync run.
type Result struct {
	SyncType      string
	EmailsAdded   int
	EmailsDeleted int
	LabelsChanged int
	Duration      time.Duration

	// NewEmailIDs are the store ids of messages first seen during a delta
	// run. Initial-sync backfill is deliberately excluded: arrival-time
	// rules should not fire over historical mail.
	NewEmailIDs []int64
}

// Sync runs the appropriate sync mode for the account: initial when no
// cursor is stored, delta otherwise. The run is always recorded as a
// sync metric, success or not.
func (e *Engine) Sync(ctx context.Context, acct *store.Account, client provider.Client) (*Result, error) {
	start := time.Now()

	var result *Result
	var err error
	if acct.SyncCursor == "" {
		result, err = e.initialSync(ctx, acct, client)
	} else {
		result, err = e.deltaSync(ctx, acct, client)
	}

	metric := &store.SyncMetric{
		AccountID: acct.ID,
		Provider:  acct.Provider,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if result != nil {
		metric.SyncType = result.SyncType
		metric.EmailsAdded = result.EmailsAdded
		metric.EmailsDeleted = result.EmailsDeleted
		metric.LabelsChanged = result.LabelsChanged
		result.Duration = time.Since(start)
	}
	if err != nil {
		metric.Error = err.Error()
		if metric.SyncType == "" {
			if acct.SyncCursor == "" {
				metric.SyncType = "initial"
			} else {
				metric.SyncType = "delta"
			}
		}
	}
	if merr := e.store.AppendSyncMetric(metric); merr != nil {
		e.logger.Warn("record sync metric", "account_id", acct.ID, "error", merr)
	}
	return result, err
}

// initialSync pages through the provider listing, newest first, until the
// message cap. The cursor captured before the walk is persisted only when
// every page lands.
func (e *Engine) initialSync(ctx context.Context, acct *store.Account, client provider.Client) (*Result, error) {
	result := &Result{SyncType: "initial"}
	e.logger.Info("initial sync starting", "account", acct.Email, "provider", acct.Provider)

	// Capture the cursor first: changes that race the walk fall inside
	// the cursor's window and replay on the first delta run.
	cursor, err := retry(ctx, e.logger, "initial cursor", func() (string, error) {
		return client.InitialCursor(ctx)
	})
	if err != nil {
		return result, mailerr.Trace(err, "obtain initial cursor")
	}

	fetched := 0
	pageToken := ""
	for fetched < e.maxMessages {
		page, err := retry(ctx, e.logger, "list messages", func() (*provider.MessagePage, error) {
			return client.ListMessages(ctx, pageToken, pageSize)
		})
		if err != nil {
			return result, mailerr.Trace(err, "list messages")
		}
		if len(page.IDs) == 0 {
			break
		}

		ids := page.IDs
		if remaining := e.maxMessages - fetched; len(ids) > remaining {
			ids = ids[:remaining]
		}

		added, updated, err := e.fetchAndStore(ctx, acct, client, ids, nil)
		if err != nil {
			return result, err
		}
		result.EmailsAdded += added
		result.LabelsChanged += updated
		fetched += len(ids)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := e.persistCursor(acct, cursor); err != nil {
		return result, err
	}
	e.logger.Info("initial sync complete",
		"account", acct.Email, "emails", result.EmailsAdded)
	return result, nil
}

// deltaSync replays the provider change feed since the stored cursor. A
// provider-signaled resync falls back to an initial sync after clearing
// the cursor.
func (e *Engine) deltaSync(ctx context.Context, acct *store.Account, client provider.Client) (*Result, error) {
	result := &Result{SyncType: "delta"}

	delta, err := retry(ctx, e.logger, "list delta", func() (*provider.Delta, error) {
		return client.ListDelta(ctx, acct.SyncCursor)
	})
	if err != nil {
		return result, mailerr.Trace(err, "list delta")
	}

	if delta.FullResync {
		e.logger.Info("provider requested full resync", "account", acct.Email)
		acct.SyncCursor = ""
		return e.initialSync(ctx, acct, client)
	}

	// seen dedupes ids across the run: a message that is both changed
	// and deleted in one window is processed once, deletion winning.
	seen := make(map[string]bool, len(delta.Changed)+len(delta.Deleted))

	for _, id := range delta.Deleted {
		if seen[id] {
			continue
		}
		seen[id] = true

		email, err := e.store.GetEmailByProviderID(acct.ID, id)
		if err != nil {
			return result, err
		}
		if email == nil {
			continue // never synced locally
		}
		if err := e.store.DeleteEmail(email.ID); err != nil {
			return result, err
		}
		result.EmailsDeleted++
	}

	var changed []string
	for _, id := range delta.Changed {
		if seen[id] {
			continue
		}
		seen[id] = true
		changed = append(changed, id)
	}

	for start := 0; start < len(changed); start += provider.MaxBatchSize {
		end := start + provider.MaxBatchSize
		if end > len(changed) {
			end = len(changed)
		}
		added, updated, err := e.fetchAndStore(ctx, acct, client, changed[start:end],
			func(email *store.Email, isNew bool) {
				if isNew {
					result.NewEmailIDs = append(result.NewEmailIDs, email.ID)
				}
			})
		if err != nil {
			return result, err
		}
		result.EmailsAdded += added
		result.LabelsChanged += updated
	}

	if err := e.persistCursor(acct, delta.Cursor); err != nil {
		return result, err
	}
	e.logger.Debug("delta sync complete",
		"account", acct.Email,
		"added", result.EmailsAdded,
		"deleted", result.EmailsDeleted,
		"changed", result.LabelsChanged)
	return result, nil
}

// fetchAndStore batch-fetches ids and upserts them. Returns counts of new
// rows versus updates to existing rows. The onStored hook, when set, runs
// for every stored email.
func (e *Engine) fetchAndStore(ctx context.Context, acct *store.Account, client provider.Client, ids []string, onStored func(*store.Email, bool)) (added, updated int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	msgs, err := retry(ctx, e.logger, "batch fetch", func() ([]*provider.Message, error) {
		return client.BatchGetMessages(ctx, ids)
	})
	if err != nil {
		return 0, 0, mailerr.Trace(err, "batch fetch messages")
	}

	for _, msg := range msgs {
		existing, err := e.store.GetEmailByProviderID(acct.ID, msg.ProviderMessageID)
		if err != nil {
			return added, updated, err
		}

		email := toEmail(acct.ID, msg)
		if _, err := e.store.UpsertEmail(email); err != nil {
			return added, updated, err
		}
		if len(msg.Attachments) > 0 || (existing != nil && existing.HasAttachments) {
			atts := make([]*store.Attachment, 0, len(msg.Attachments))
			for _, a := range msg.Attachments {
				atts = append(atts, &store.Attachment{
					Filename:             a.Filename,
					MimeType:             a.MimeType,
					SizeBytes:            a.SizeBytes,
					ContentID:            a.ContentID,
					ProviderAttachmentID: a.ProviderAttachmentID,
				})
			}
			if err := e.store.ReplaceEmailAttachments(email.ID, atts); err != nil {
				return added, updated, err
			}
		}

		if existing == nil {
			added++
		} else {
			updated++
		}
		if onStored != nil {
			onStored(email, existing == nil)
		}
	}
	return added, updated, nil
}

// toEmail converts a normalized provider message into a store row.
func toEmail(accountID int64, msg *provider.Message) *store.Email {
	return &store.Email{
		AccountID:         accountID,
		ProviderMessageID: msg.ProviderMessageID,
		ThreadID:          msg.ThreadID,
		From:              msg.From,
		To:                msg.To,
		Cc:                msg.Cc,
		Bcc:               msg.Bcc,
		Subject:           msg.Subject,
		BodyText:          msg.BodyText,
		BodyHTML:          msg.BodyHTML,
		Snippet:           msg.Snippet,
		Date:              msg.Date,
		ReceivedAt:        msg.ReceivedAt,
		Flags:             msg.Flags,
		Labels:            msg.Labels,
		InReplyTo:         msg.InReplyTo,
		References:        msg.References,
		Headers:           msg.Headers,
		SizeBytes:         msg.SizeBytes,
		HasAttachments:    len(msg.Attachments) > 0,
	}
}

// persistCursor stores the new cursor. Runs only after a successful walk.
// IMAP cursors carry UIDVALIDITY, which is mirrored into the account's
// dedicated columns.
func (e *Engine) persistCursor(acct *store.Account, cursor string) error {
	if cursor == "" {
		cursor = acct.SyncCursor
	}
	if err := e.store.UpdateSyncCursor(acct.ID, cursor); err != nil {
		return err
	}
	if acct.AuthType == store.AuthIMAP {
		if uv, rest, ok := strings.Cut(cursor, "|"); ok && rest != "" {
			if v, err := strconv.ParseUint(uv, 10, 32); err == nil {
				if err := e.store.UpdateIMAPSyncState(acct.ID, uint32(v), acct.HighestModseq); err != nil {
					return err
				}
				acct.UIDValidity = uint32(v)
			}
		}
	}
	acct.SyncCursor = cursor
	acct.LastSyncAt = time.Now().UTC()
	return nil
}

// retry reattempts a retryable provider operation with full-jitter
// backoff. Non-retryable errors return immediately.
func retry[T any](ctx context.Context, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= opRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(rand.Float64() * float64(uint(1)<<uint(attempt)) * float64(time.Second))
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			logger.Debug("retrying operation", "op", op, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !mailerr.Retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
