// Package cache stores attachment content on local disk.
//
// The database is the index and the filesystem is the payload. Writes go
// file-first: the content lands on disk before the database learns about
// it, so a crash between the two steps leaves an orphan file rather than
// a dangling index entry. Orphans are reclaimed by Clear.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
)

// DefaultMaxBytes caps the cache at 500 MiB.
const DefaultMaxBytes = 500 * 1024 * 1024

// Cache manages attachment files under one directory.
type Cache struct {
	store    *store.Store
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes overrides the 500 MiB cap.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates the cache directory if needed.
func New(s *store.Store, dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:    s,
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return c, nil
}

// fileName derives a stable cache file name from the attachment identity,
// keeping the original extension so cached files open with the right app.
func fileName(attachmentID int64, filename string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(attachmentID, 10) + ":" + filename))
	name := hex.EncodeToString(sum[:])[:16]
	if ext := filepath.Ext(filename); ext != "" && len(ext) <= 10 {
		name += ext
	}
	return name
}

// IsCached reports whether the attachment's content is present on disk.
// A database path whose file has vanished is self-healed: the path is
// cleared and the attachment reports as uncached.
func (c *Cache) IsCached(att *store.Attachment) bool {
	if att.LocalPath == "" {
		return false
	}
	if _, err := os.Stat(att.LocalPath); err == nil {
		return true
	}
	c.logger.Warn("cache file missing, clearing index entry",
		"attachment_id", att.ID, "path", att.LocalPath)
	if err := c.store.SetAttachmentPath(att.ID, ""); err != nil {
		c.logger.Error("clear stale cache path", "attachment_id", att.ID, "error", err)
	}
	att.LocalPath = ""
	return false
}

// Put writes attachment content to disk, records the path, and then evicts
// oldest entries if the cache exceeds its cap. The new entry is exempt
// from the eviction pass that its own write triggered.
func (c *Cache) Put(att *store.Attachment, content []byte) (string, error) {
	if att.ID == 0 {
		return "", mailerr.Validation("attachment must be persisted before caching")
	}
	path := filepath.Join(c.dir, fileName(att.ID, att.Filename))

	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("write cache file: %w", err)
	}
	if err := c.store.SetAttachmentPath(att.ID, path); err != nil {
		// Index update failed: remove the file so disk and database agree.
		_ = os.Remove(path)
		return "", err
	}
	att.LocalPath = path

	if err := c.evict(att.ID); err != nil {
		c.logger.Warn("cache eviction", "error", err)
	}
	return path, nil
}

// Read returns cached content. A missing file self-heals the index and
// returns NotFound so the caller can re-fetch from the provider.
func (c *Cache) Read(att *store.Attachment) ([]byte, error) {
	if !c.IsCached(att) {
		return nil, mailerr.NotFound("attachment %d is not cached", att.ID)
	}
	content, err := os.ReadFile(att.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	return content, nil
}

// Size returns the summed size of all files currently in the cache dir.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := filepath.Walk(c.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk cache dir: %w", err)
	}
	return total, nil
}

// evict removes oldest cached attachments until the cache fits the cap,
// skipping keepID. Each eviction clears the index entry first, then
// deletes the file: the inverse of Put's ordering, so a crash mid-evict
// leaves an orphan file for Clear to reclaim, never a dangling index
// entry.
func (c *Cache) evict(keepID int64) error {
	total, err := c.Size()
	if err != nil {
		return err
	}
	if total <= c.maxBytes {
		return nil
	}

	cached, err := c.store.CachedAttachments()
	if err != nil {
		return err
	}
	for _, att := range cached {
		if total <= c.maxBytes {
			break
		}
		if att.ID == keepID {
			continue
		}
		if err := c.store.SetAttachmentPath(att.ID, ""); err != nil {
			return err
		}
		info, statErr := os.Stat(att.LocalPath)
		if statErr != nil {
			continue
		}
		if err := os.Remove(att.LocalPath); err != nil {
			c.logger.Warn("evict cache file", "path", att.LocalPath, "error", err)
			continue
		}
		total -= info.Size()
		c.logger.Debug("evicted attachment from cache",
			"attachment_id", att.ID, "filename", att.Filename)
	}
	return nil
}

// Clear removes every file in the cache directory, orphans included, and
// clears all index entries.
func (c *Cache) Clear() error {
	cached, err := c.store.CachedAttachments()
	if err != nil {
		return err
	}
	for _, att := range cached {
		if err := c.store.SetAttachmentPath(att.ID, ""); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove cache file: %w", err)
		}
	}
	return nil
}
