package pop3

import (
	"context"
	"crypto/tls"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/store"
)

// State represents the current state in the POP3 state machine (RFC 1939).
type State int

const (
	StateAuthorization State = iota
	StateTransaction
	StateUpdate
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one POP3 connection's protocol and mailbox state.
type Session struct {
	state    State
	tlsState bool

	hostname     string
	listenerMode config.ListenerMode
	tlsConfig    *tls.Config

	username     string
	apopNonce    string
	authenticated bool

	// saslServer/saslMech track a multi-step AUTH exchange in progress.
	saslServer sasl.Server
	saslMech   string

	// mailbox is the username the Durable Store's inbox table is keyed by,
	// frozen at authentication time alongside the snapshot.
	mailbox     string
	snapshot    []store.InboxRecord
	deletedSet  map[int]bool // 1-based session numbers marked deleted
}

// NewSession creates a new POP3 session holding the caller-issued APOP
// greeting nonce.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool, apopNonce string) *Session {
	return &Session{
		state:        StateAuthorization,
		tlsState:     isTLS || mode == config.ModeImplicitTLS,
		hostname:     hostname,
		listenerMode: mode,
		tlsConfig:    tlsConfig,
		apopNonce:    apopNonce,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) SetTLSActive()      { s.tlsState = true }
func (s *Session) IsTLSActive() bool  { return s.tlsState }
func (s *Session) ApopNonce() string  { return s.apopNonce }
func (s *Session) TLSConfig() *tls.Config { return s.tlsConfig }

// CanSTLS reports whether STLS is offered: only pre-auth, plaintext, and
// only when the listener itself isn't already implicit-TLS.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization &&
		s.listenerMode == config.ModePlain &&
		!s.tlsState &&
		s.tlsConfig != nil
}

func (s *Session) SetUsername(username string) { s.username = username }
func (s *Session) Username() string             { return s.username }

// SetAuthenticated transitions to TRANSACTION and freezes mailbox as the
// username the Durable Store's inbox rows are keyed by.
func (s *Session) SetAuthenticated(mailbox string) {
	s.state = StateTransaction
	s.authenticated = true
	s.mailbox = mailbox
}

func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// EnterUpdate transitions TRANSACTION to UPDATE on a clean QUIT.
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer records the active SASL server for a multi-step AUTH
// exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the in-progress SASL server, or nil if none.
func (s *Session) SASLServer() sasl.Server { return s.saslServer }

// ClearSASL ends a SASL exchange, on completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress reports whether an AUTH exchange is awaiting a
// continuation line.
func (s *Session) IsSASLInProgress() bool { return s.saslServer != nil }

// Capabilities returns the CAPA response lines, which vary with TLS and
// auth state (RFC 2449).
func (s *Session) Capabilities() []string {
	caps := []string{"TOP", "UIDL", "RESP-CODES"}
	if s.tlsState {
		caps = append([]string{"USER", "SASL PLAIN"}, caps...)
	}
	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}
	return caps
}

// InitializeMailbox freezes the non-deleted InboxRecord snapshot for the
// session's TRANSACTION state (spec.md §3: snapshot is frozen for the
// session's lifetime, message numbers are stable 1..N indexes into it).
func (s *Session) InitializeMailbox(ctx context.Context, ds Store, mailbox string) error {
	records, err := ds.Snapshot(ctx, mailbox)
	if err != nil {
		return err
	}
	s.mailbox = mailbox
	s.snapshot = records
	s.deletedSet = make(map[int]bool)
	return nil
}

func (s *Session) Mailbox() string { return s.mailbox }

// MessageCount returns the count of non-deleted snapshot entries.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.snapshot {
		if !s.deletedSet[i+1] {
			count++
		}
	}
	return count
}

// TotalSize returns the octet sum of non-deleted snapshot entries.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, rec := range s.snapshot {
		if !s.deletedSet[i+1] {
			total += rec.SizeBytes
		}
	}
	return total
}

// GetMessage returns the snapshot entry for a 1-based message number.
func (s *Session) GetMessage(msgNum int) (*store.InboxRecord, error) {
	if msgNum < 1 || msgNum > len(s.snapshot) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return &s.snapshot[msgNum-1], nil
}

// MarkDeleted adds msgNum to the session's deletion set (DELE).
func (s *Session) MarkDeleted(msgNum int) error {
	if msgNum < 1 || msgNum > len(s.snapshot) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears the deletion set (RSET).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// DeletedRecordIDs returns the Durable Store row ids marked for deletion,
// applied atomically by the handler on a clean QUIT.
func (s *Session) DeletedRecordIDs() []int64 {
	var ids []int64
	for msgNum := range s.deletedSet {
		if msgNum >= 1 && msgNum <= len(s.snapshot) {
			ids = append(ids, s.snapshot[msgNum-1].ID)
		}
	}
	return ids
}

// MailboxEntry pairs a 1-based session number with its snapshot entry, for
// LIST/UIDL iteration.
type MailboxEntry struct {
	MsgNum int
	Record store.InboxRecord
}

// AllMessages returns the non-deleted entries in session-number order.
func (s *Session) AllMessages() []MailboxEntry {
	var out []MailboxEntry
	for i, rec := range s.snapshot {
		if !s.deletedSet[i+1] {
			out = append(out, MailboxEntry{MsgNum: i + 1, Record: rec})
		}
	}
	return out
}
