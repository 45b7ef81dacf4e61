// Package content implements the Content Manager (CM): durable,
// content-addressed storage of raw message bytes on the local filesystem.
// It is grounded on the teacher's tempBuffer/fileTempBuf staging pattern
// (write to a temp file, then atomically rename into place) generalized
// from a one-shot delivery buffer into a put/get/delete content store.
package content

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/infodancer/mailcore/internal/mailerr"
)

// unsafeChars matches anything that is not a-z A-Z 0-9 . _ -, used by safe()
// to sanitize a caller-provided key before it touches the filesystem.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Manager stores and retrieves message content under a root directory.
// Keys are message-ids or other opaque identifiers; Manager never
// interprets their meaning, only sanitizes and shards them.
type Manager struct {
	root string
}

// New creates a Manager rooted at dir, creating it if necessary.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, mailerr.Wrap(mailerr.KindStorage, "creating content root", err)
	}
	return &Manager{root: dir}, nil
}

// safe sanitizes key into a filesystem-safe basename: any character
// outside [A-Za-z0-9._-] is replaced with "_", and the result is bounded to
// a sane length so a hostile key can't build an oversized path component.
func safe(key string) string {
	s := unsafeChars.ReplaceAllString(key, "_")
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		s = "_"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// shard returns the two-level directory prefix for a sanitized key, so a
// single directory never accumulates millions of entries.
func shard(name string) (string, string) {
	if len(name) < 2 {
		return "00", name
	}
	return name[0:2], name
}

func (m *Manager) pathFor(key string) string {
	name := safe(key)
	d1, _ := shard(name)
	return filepath.Join(m.root, d1, name)
}

// Put writes content under key, via write-to-temp-then-rename so a reader
// never observes a partially written file (spec.md §4.1 storage-error
// semantics: the commit is atomic or it didn't happen).
func (m *Manager) Put(key string, r io.Reader) (int64, error) {
	dest := m.pathFor(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "creating shard dir", err)
	}

	tmp, err := os.CreateTemp(dir, "cm-*.tmp")
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "creating temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "writing content", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "syncing content", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "closing temp file", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return 0, mailerr.Wrap(mailerr.KindStorage, "committing content", err)
	}
	return n, nil
}

// Get opens content stored under key. If the direct sharded path is
// missing, it falls back to a bounded scan of the shard directory for a
// file whose name contains the sanitized key (the file may have been named
// by an older scheme); the scan visits at most maxScanEntries files before
// giving up.
const maxScanEntries = 4096

func (m *Manager) Get(key string) (io.ReadCloser, error) {
	path := m.pathFor(key)
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, mailerr.Wrap(mailerr.KindStorage, "opening content", err)
	}

	name := safe(key)
	d1, _ := shard(name)
	dir := filepath.Join(m.root, d1)
	entries, rerr := os.ReadDir(dir)
	if rerr != nil {
		return nil, mailerr.New(mailerr.KindNotFound, "content not found: "+key)
	}
	for i, e := range entries {
		if i >= maxScanEntries {
			break
		}
		if strings.Contains(e.Name(), name) {
			f, err := os.Open(filepath.Join(dir, e.Name()))
			if err == nil {
				return f, nil
			}
		}
	}
	return nil, mailerr.New(mailerr.KindNotFound, "content not found: "+key)
}

// Delete removes the content stored under key. Deleting a nonexistent key
// is not an error.
func (m *Manager) Delete(key string) error {
	path := m.pathFor(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mailerr.Wrap(mailerr.KindStorage, "deleting content", err)
	}
	return nil
}

// Exists reports whether content is stored under key.
func (m *Manager) Exists(key string) bool {
	_, err := os.Stat(m.pathFor(key))
	return err == nil
}
