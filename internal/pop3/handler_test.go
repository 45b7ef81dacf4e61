package pop3

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/session"
)

// mockConn implements net.Conn backed by an in-memory buffer, for driving
// the handler without a real socket.
type mockConn struct {
	readData  []byte
	readPos   int
	writeData bytes.Buffer
}

func newMockConn(script string) *mockConn {
	return &mockConn{readData: []byte(script)}
}

func (m *mockConn) Read(b []byte) (int, error) {
	if m.readPos >= len(m.readData) {
		return 0, io.EOF
	}
	n := copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (int, error) { return m.writeData.Write(b) }
func (m *mockConn) Close() error                { return nil }
func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 110}
}
func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 54321}
}
func (m *mockConn) SetDeadline(time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func runPOP3Handler(t *testing.T, cfg HandlerConfig, script string) string {
	t.Helper()
	conn := newMockConn(script)
	sessionConn := session.NewConnection(conn, session.ConnectionConfig{})
	Handler(cfg)(context.Background(), sessionConn)
	return conn.writeData.String()
}

func basePOP3Config(auth AuthProvider, st Store, ct Content) HandlerConfig {
	return HandlerConfig{
		Hostname:     "mail.example.com",
		Mode:         config.ModePlain,
		Collector:    &metrics.NoopCollector{},
		Store:        st,
		Content:      ct,
		AuthProvider: auth,
	}
}

func TestHandlerGreetingWithoutAPOP(t *testing.T) {
	cfg := basePOP3Config(&fakeAuthProvider{}, &fakeStore{}, &fakeContent{})
	out := runPOP3Handler(t, cfg, "QUIT\r\n")
	if !strings.HasPrefix(out, "+OK mail.example.com POP3 server ready\r\n") {
		t.Fatalf("unexpected greeting: %q", out)
	}
	if strings.Contains(out, "<") {
		t.Fatalf("greeting should not carry an APOP nonce when disabled: %q", out)
	}
}

func TestHandlerGreetingWithAPOPNonce(t *testing.T) {
	cfg := basePOP3Config(&fakeAuthProvider{}, &fakeStore{}, &fakeContent{})
	cfg.EnableAPOP = true
	out := runPOP3Handler(t, cfg, "QUIT\r\n")
	if !strings.Contains(out, "@mail.example.com>") {
		t.Fatalf("expected APOP nonce in greeting, got %q", out)
	}
}

func TestHandlerUSERPASSTransaction(t *testing.T) {
	auth := &fakeAuthProvider{username: "alice", password: "secret"}
	st := &fakeStore{records: sampleRecords()}
	cfg := basePOP3Config(auth, st, &fakeContent{})

	script := "USER alice\r\nPASS secret\r\nSTAT\r\nQUIT\r\n"
	out := runPOP3Handler(t, cfg, script)

	if !strings.Contains(out, "+OK 2 300") {
		t.Fatalf("expected STAT result after authentication, got %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\r\n")
	if !strings.HasPrefix(lines[len(lines)-1], "+OK") {
		t.Fatalf("expected a final QUIT +OK, got %q", out)
	}
}

func TestHandlerUnknownCommand(t *testing.T) {
	cfg := basePOP3Config(&fakeAuthProvider{}, &fakeStore{}, &fakeContent{})
	out := runPOP3Handler(t, cfg, "BOGUS\r\nQUIT\r\n")
	if !strings.Contains(out, "-ERR") {
		t.Fatalf("expected -ERR for unknown command, got %q", out)
	}
}

func TestHandlerCommandRejectedBeforeAuth(t *testing.T) {
	cfg := basePOP3Config(&fakeAuthProvider{}, &fakeStore{}, &fakeContent{})
	out := runPOP3Handler(t, cfg, "STAT\r\nQUIT\r\n")
	if !strings.Contains(out, "-ERR") {
		t.Fatalf("expected STAT before auth to be rejected, got %q", out)
	}
}

func TestHandlerQUITAppliesDeletions(t *testing.T) {
	auth := &fakeAuthProvider{username: "alice", password: "secret"}
	st := &fakeStore{records: sampleRecords()}
	cfg := basePOP3Config(auth, st, &fakeContent{})

	script := "USER alice\r\nPASS secret\r\nDELE 1\r\nQUIT\r\n"
	runPOP3Handler(t, cfg, script)
	if len(st.deleted) != 1 || st.deleted[0] != 1 {
		t.Fatalf("expected QUIT to apply deletion of record 1, got %v", st.deleted)
	}
}

func TestHandlerAUTHPlainSASLContinuation(t *testing.T) {
	auth := &fakeAuthProvider{username: "alice", password: "secret"}
	st := &fakeStore{records: sampleRecords()}
	cfg := basePOP3Config(auth, st, &fakeContent{})
	// AUTH needs an active TLS layer; an implicit-TLS listener mode marks
	// the session as such over the in-memory connection.
	cfg.Mode = config.ModeImplicitTLS

	initial := "AGFsaWNlAHNlY3JldA==" // base64("\x00alice\x00secret")
	script := "AUTH PLAIN\r\n" + initial + "\r\nSTAT\r\nQUIT\r\n"
	out := runPOP3Handler(t, cfg, script)
	if !strings.Contains(out, "+OK 2 300") {
		t.Fatalf("expected STAT to succeed after SASL PLAIN continuation, got %q", out)
	}
}

func TestHandlerRETRReturnsMessageBody(t *testing.T) {
	auth := &fakeAuthProvider{username: "alice", password: "secret"}
	st := &fakeStore{records: sampleRecords()}
	ct := &fakeContent{objects: map[string]string{"a": "Subject: hi\r\n\r\nbody\r\n"}}
	cfg := basePOP3Config(auth, st, ct)

	script := "USER alice\r\nPASS secret\r\nRETR 1\r\nQUIT\r\n"
	out := runPOP3Handler(t, cfg, script)
	if !strings.Contains(out, "Subject: hi") || !strings.Contains(out, "body") {
		t.Fatalf("expected message body in RETR response, got %q", out)
	}
}
