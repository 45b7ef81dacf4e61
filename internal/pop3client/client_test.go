package pop3client

import (
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/mailmsg"
)

type fakeReadState struct {
	read map[string]bool
}

func (f *fakeReadState) IsRead(messageID string) bool { return f.read[messageID] }

func sampleMessage() *mailmsg.Message {
	return &mailmsg.Message{
		MessageID: "<1@example.com>",
		From:      mailmsg.Address{Local: "alice", Domain: "example.com"},
		Subject:   "Quarterly report",
		Date:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMatchesSinceDate(t *testing.T) {
	msg := sampleMessage()
	f := &Filter{SinceDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	if !matches(msg, f) {
		t.Fatal("message after SinceDate should match")
	}

	f.SinceDate = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if matches(msg, f) {
		t.Fatal("message before SinceDate should not match")
	}
}

func TestMatchesFromAndSubjectCaseInsensitive(t *testing.T) {
	msg := sampleMessage()

	if !matches(msg, &Filter{FromContains: "ALICE"}) {
		t.Fatal("case-insensitive From match should succeed")
	}
	if matches(msg, &Filter{FromContains: "bob"}) {
		t.Fatal("non-matching From should fail")
	}
	if !matches(msg, &Filter{SubjectContains: "quarterly"}) {
		t.Fatal("case-insensitive Subject match should succeed")
	}
	if matches(msg, &Filter{SubjectContains: "invoice"}) {
		t.Fatal("non-matching Subject should fail")
	}
}

func TestMatchesOnlyUnread(t *testing.T) {
	msg := sampleMessage()
	oracle := &fakeReadState{read: map[string]bool{"<1@example.com>": true}}

	if matches(msg, &Filter{OnlyUnread: true, ReadState: oracle}) {
		t.Fatal("a message already read should be excluded by only_unread")
	}

	oracle.read["<1@example.com>"] = false
	if !matches(msg, &Filter{OnlyUnread: true, ReadState: oracle}) {
		t.Fatal("an unread message should pass only_unread")
	}
}

func TestMatchesNilFilterFieldsPassThrough(t *testing.T) {
	if !matches(sampleMessage(), &Filter{}) {
		t.Fatal("an empty filter should match everything")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Config{Host: "mail.example.com", Port: 110})
	if c.cfg.DialTimeout != 30*time.Second {
		t.Fatalf("DialTimeout default = %v, want 30s", c.cfg.DialTimeout)
	}
	if c.cfg.Retry.MaxRetries == 0 && c.cfg.Retry.InitialInterval == 0 {
		t.Fatal("Retry should default to a non-zero policy")
	}
}
