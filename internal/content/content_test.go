package content

import (
	"bytes"
	"strings"
	"testing"

	"github.com/infodancer/mailcore/internal/mailerr"
)

func TestPutGetRoundTrip(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := "<abc123@example.com>"
	payload := []byte("Subject: hi\r\n\r\nbody\r\n")

	n, err := m.Put(key, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("Put returned %d bytes, want %d", n, len(payload))
	}

	rc, err := m.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("reading content: %v", err)
	}
	if buf.String() != string(payload) {
		t.Fatalf("content mismatch: got %q want %q", buf.String(), payload)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = m.Get("<missing@example.com>")
	if mailerr.KindOf(err) != mailerr.KindNotFound {
		t.Fatalf("want KindNotFound, got %v", err)
	}
}

func TestDeleteThenGetMissing(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := "<deleteme@example.com>"
	if _, err := m.Put(key, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.Exists(key) {
		t.Fatalf("expected key to exist after Put")
	}
	if err := m.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Exists(key) {
		t.Fatalf("expected key to be gone after Delete")
	}

	// Deleting again is not an error.
	if err := m.Delete(key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestSafeSanitizesHostileKeys(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := "../../etc/passwd"
	if _, err := m.Put(key, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if strings.Contains(safe(key), "/") {
		t.Fatalf("safe() left a path separator in place: %q", safe(key))
	}
}
