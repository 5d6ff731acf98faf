package cache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/intentmail/intentmail/internal/cache"
	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/store"
	"github.com/intentmail/intentmail/internal/testutil"
)

func newTestCache(t *testing.T, maxBytes int64) (*cache.Cache, *store.Store, string) {
	t.Helper()
	st := testutil.NewTestStore(t)
	dir := filepath.Join(t.TempDir(), "attachments")
	c, err := cache.New(st, dir, cache.WithMaxBytes(maxBytes))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, st, dir
}

func seedAttachment(t *testing.T, st *store.Store, filename string) *store.Attachment {
	t.Helper()
	acct := testutil.SeedAccount(t, st, store.ProviderGmail, filename+"@gmail.com")
	e := testutil.SeedEmail(t, st, acct.ID, "msg-"+filename, func(m *store.Email) {
		m.HasAttachments = true
	})
	att := &store.Attachment{
		Filename:             filename,
		MimeType:             "application/octet-stream",
		ProviderAttachmentID: "prov-" + filename,
	}
	testutil.MustNoErr(t, st.ReplaceEmailAttachments(e.ID, []*store.Attachment{att}))
	return att
}

func TestPutAndRead(t *testing.T) {
	c, st, dir := newTestCache(t, cache.DefaultMaxBytes)
	att := seedAttachment(t, st, "report.pdf")

	content := []byte("pdf bytes")
	path, err := c.Put(att, content)
	testutil.MustNoErr(t, err)

	if filepath.Dir(path) != dir {
		t.Errorf("cache file outside cache dir: %s", path)
	}
	base := filepath.Base(path)
	if filepath.Ext(base) != ".pdf" || len(base) != 16+len(".pdf") {
		t.Errorf("unexpected cache file name %q", base)
	}

	if !c.IsCached(att) {
		t.Fatal("attachment not reported cached after Put")
	}
	got, err := c.Read(att)
	testutil.MustNoErr(t, err)
	if !bytes.Equal(got, content) {
		t.Errorf("read back %q", got)
	}

	// The index row carries the same path.
	stored, err := st.GetAttachment(att.ID)
	testutil.MustNoErr(t, err)
	if stored.LocalPath != path {
		t.Errorf("index path %q, file path %q", stored.LocalPath, path)
	}
}

func TestPutRequiresPersistedAttachment(t *testing.T) {
	c, _, _ := newTestCache(t, cache.DefaultMaxBytes)

	_, err := c.Put(&store.Attachment{Filename: "x.bin"}, []byte("data"))
	if !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestMissingFileSelfHeals(t *testing.T) {
	c, st, _ := newTestCache(t, cache.DefaultMaxBytes)
	att := seedAttachment(t, st, "photo.jpg")

	path, err := c.Put(att, []byte("jpeg"))
	testutil.MustNoErr(t, err)
	testutil.MustNoErr(t, os.Remove(path))

	if c.IsCached(att) {
		t.Fatal("vanished file still reported cached")
	}
	if _, err := c.Read(att); !mailerr.IsKind(err, mailerr.KindNotFound) {
		t.Errorf("got %v, want not-found", err)
	}
	stored, err := st.GetAttachment(att.ID)
	testutil.MustNoErr(t, err)
	if stored.LocalPath != "" {
		t.Errorf("stale index path survived: %q", stored.LocalPath)
	}
}

func TestEvictionKeepsCacheUnderCap(t *testing.T) {
	// Cap fits two 100-byte files but not three.
	c, st, _ := newTestCache(t, 250)

	content := bytes.Repeat([]byte("a"), 100)
	var atts []*store.Attachment
	for i := 0; i < 3; i++ {
		att := seedAttachment(t, st, "file"+strconv.Itoa(i)+".bin")
		_, err := c.Put(att, content)
		testutil.MustNoErr(t, err)
		atts = append(atts, att)
	}

	size, err := c.Size()
	testutil.MustNoErr(t, err)
	if size > 250 {
		t.Errorf("cache size %d exceeds cap", size)
	}

	// Oldest entry evicted, newest kept.
	first, err := st.GetAttachment(atts[0].ID)
	testutil.MustNoErr(t, err)
	if first.LocalPath != "" {
		t.Error("oldest entry not evicted")
	}
	last, err := st.GetAttachment(atts[2].ID)
	testutil.MustNoErr(t, err)
	if last.LocalPath == "" {
		t.Error("just-written entry was evicted")
	}
}

func TestEvictionClearsIndexBeforeFile(t *testing.T) {
	c, st, _ := newTestCache(t, 250)

	content := bytes.Repeat([]byte("a"), 100)
	victim := seedAttachment(t, st, "old.bin")
	path, err := c.Put(victim, content)
	testutil.MustNoErr(t, err)

	// Make the victim's file un-removable: swap it for a non-empty
	// directory. Eviction must still drop the index entry, leaving an
	// orphan for Clear rather than an index pointer with no content.
	testutil.MustNoErr(t, os.Remove(path))
	testutil.MustNoErr(t, os.Mkdir(path, 0o700))
	testutil.MustNoErr(t, os.WriteFile(filepath.Join(path, "inner"), content, 0o600))

	middle := seedAttachment(t, st, "mid.bin")
	_, err = c.Put(middle, content)
	testutil.MustNoErr(t, err)
	newest := seedAttachment(t, st, "new.bin")
	_, err = c.Put(newest, content)
	testutil.MustNoErr(t, err)

	stored, err := st.GetAttachment(victim.ID)
	testutil.MustNoErr(t, err)
	if stored.LocalPath != "" {
		t.Errorf("index still points at unremovable content: %q", stored.LocalPath)
	}
}

func TestClearRemovesOrphans(t *testing.T) {
	c, st, dir := newTestCache(t, cache.DefaultMaxBytes)
	att := seedAttachment(t, st, "doc.txt")
	_, err := c.Put(att, []byte("text"))
	testutil.MustNoErr(t, err)

	// Simulate a crash between file write and index update.
	orphan := filepath.Join(dir, "0123456789abcdef.bin")
	testutil.MustNoErr(t, os.WriteFile(orphan, []byte("orphan"), 0o600))

	testutil.MustNoErr(t, c.Clear())

	entries, err := os.ReadDir(dir)
	testutil.MustNoErr(t, err)
	if len(entries) != 0 {
		t.Errorf("%d files left after Clear", len(entries))
	}
	stored, err := st.GetAttachment(att.ID)
	testutil.MustNoErr(t, err)
	if stored.LocalPath != "" {
		t.Errorf("index entry survived Clear: %q", stored.LocalPath)
	}
}
