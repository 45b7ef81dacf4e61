package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mailcore.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendInboxIdempotentOnDuplicateMessageID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := InboxRecord{
		Username:   "alice",
		MessageID:  "<dup@example.com>",
		ContentKey: "<dup@example.com>",
		SizeBytes:  100,
		ReceivedAt: time.Now(),
	}

	first, err := s.AppendInbox(ctx, rec)
	if err != nil {
		t.Fatalf("first AppendInbox: %v", err)
	}

	second, err := s.AppendInbox(ctx, rec)
	if err != nil {
		t.Fatalf("second AppendInbox: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate message-id produced a new record: %d != %d", second.ID, first.ID)
	}

	snap, err := s.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("want 1 snapshot record after duplicate insert, got %d", len(snap))
	}
}

func TestSnapshotExcludesDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.AppendInbox(ctx, InboxRecord{
		Username:   "bob",
		MessageID:  "<one@example.com>",
		ContentKey: "<one@example.com>",
		SizeBytes:  10,
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendInbox: %v", err)
	}

	if err := s.ApplyDeletions(ctx, []int64{rec.ID}); err != nil {
		t.Fatalf("ApplyDeletions: %v", err)
	}

	snap, err := s.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("want 0 records after deletion, got %d", len(snap))
	}
}

func TestDeliverToRecipientsIsAtomicAcrossRecipients(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recipients := []string{"alice", "bob", "carol"}
	err := s.DeliverToRecipients(ctx, recipients, "<multi@example.com>", "<multi@example.com>", 42, time.Now())
	if err != nil {
		t.Fatalf("DeliverToRecipients: %v", err)
	}

	for _, user := range recipients {
		snap, err := s.Snapshot(ctx, user)
		if err != nil {
			t.Fatalf("Snapshot(%s): %v", user, err)
		}
		if len(snap) != 1 {
			t.Fatalf("Snapshot(%s): want 1 record, got %d", user, len(snap))
		}
	}

	// Re-delivering the same message-id to the same recipients is idempotent.
	if err := s.DeliverToRecipients(ctx, recipients, "<multi@example.com>", "<multi@example.com>", 42, time.Now()); err != nil {
		t.Fatalf("second DeliverToRecipients: %v", err)
	}
	snap, err := s.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("want 1 record after re-delivery, got %d", len(snap))
	}
}

func TestLookupMissingUserReturnsNil(t *testing.T) {
	s := openTestStore(t)

	cred, err := s.Lookup("nobody")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected nil credential for missing user")
	}
}
