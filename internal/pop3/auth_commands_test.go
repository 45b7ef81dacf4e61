package pop3

import (
	"context"
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/infodancer/mailcore/internal/config"
)

type fakeAuthProvider struct {
	username, password string
	apopOK              bool
}

func (f *fakeAuthProvider) Verify(username, password string) error {
	if username == f.username && password == f.password {
		return nil
	}
	return errAuthFailed
}

func (f *fakeAuthProvider) VerifyAPOP(username, nonce, digest string) error {
	if f.apopOK {
		return nil
	}
	return errAuthFailed
}

type errString string

func (e errString) Error() string { return string(e) }

const errAuthFailed = errString("bad credentials")

type testConn struct{ logger *slog.Logger }

func (c *testConn) Logger() *slog.Logger { return c.logger }

func newTestConn() *testConn { return &testConn{logger: slog.Default()} }

func newAuthorizationSession(tlsActive bool) *Session {
	return NewSession("mail.example.com", config.ModePlain, nil, tlsActive, "")
}

func TestUSERThenPASSAuthenticates(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	auth := &fakeAuthProvider{username: "alice", password: "secret"}
	ds := &fakeStore{records: sampleRecords()}

	userCmd := &userCommand{}
	resp, err := userCmd.Execute(context.Background(), sess, conn, []string{"alice"})
	if err != nil || !resp.OK {
		t.Fatalf("USER: resp=%v err=%v", resp, err)
	}

	passCmd := &passCommand{authProvider: auth, ds: ds}
	resp, err = passCmd.Execute(context.Background(), sess, conn, []string{"secret"})
	if err != nil {
		t.Fatalf("PASS: %v", err)
	}
	if !resp.OK {
		t.Fatalf("PASS should succeed with correct password, got %+v", resp)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state = %v, want StateTransaction", sess.State())
	}
	if sess.MessageCount() != 2 {
		t.Fatalf("mailbox not initialized: count = %d", sess.MessageCount())
	}
}

func TestPASSRejectsWrongPassword(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	sess.SetUsername("alice")
	auth := &fakeAuthProvider{username: "alice", password: "secret"}

	passCmd := &passCommand{authProvider: auth}
	resp, err := passCmd.Execute(context.Background(), sess, conn, []string{"wrong"})
	if err != nil {
		t.Fatalf("PASS: %v", err)
	}
	if resp.OK {
		t.Fatal("PASS should fail with wrong password")
	}
	if sess.State() != StateAuthorization {
		t.Fatal("state must not advance on failed PASS")
	}
}

func TestPASSRequiresPriorUSER(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	passCmd := &passCommand{authProvider: &fakeAuthProvider{}}

	resp, _ := passCmd.Execute(context.Background(), sess, conn, []string{"secret"})
	if resp.OK {
		t.Fatal("PASS without USER should fail")
	}
}

func TestAPOPSucceedsOnValidDigest(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	auth := &fakeAuthProvider{apopOK: true}
	ds := &fakeStore{records: sampleRecords()}

	apopCmd := &apopCommand{authProvider: auth, ds: ds}
	resp, err := apopCmd.Execute(context.Background(), sess, conn, []string{"alice", "deadbeef"})
	if err != nil {
		t.Fatalf("APOP: %v", err)
	}
	if !resp.OK || sess.State() != StateTransaction {
		t.Fatalf("APOP should authenticate: resp=%+v state=%v", resp, sess.State())
	}
}

func TestAUTHPlainCompletesInOneStep(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	auth := &fakeAuthProvider{username: "alice", password: "secret"}

	initial := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	authCmd := &authCommand{authProvider: auth}
	resp, err := authCmd.Execute(context.Background(), sess, conn, []string{"PLAIN", initial})
	if err != nil {
		t.Fatalf("AUTH PLAIN: %v", err)
	}
	if !resp.OK {
		t.Fatalf("AUTH PLAIN should succeed, got %+v", resp)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state = %v, want StateTransaction", sess.State())
	}
}

func TestAUTHRequiresTLS(t *testing.T) {
	sess := newAuthorizationSession(false)
	conn := newTestConn()
	authCmd := &authCommand{authProvider: &fakeAuthProvider{}}

	resp, _ := authCmd.Execute(context.Background(), sess, conn, []string{"PLAIN"})
	if resp.OK {
		t.Fatal("AUTH must require TLS")
	}
}

func TestSTLSUnavailableOnImplicitTLSListener(t *testing.T) {
	sess := NewSession("mail.example.com", config.ModeImplicitTLS, nil, true, "")
	conn := newTestConn()
	resp, _ := (&stlsCommand{}).Execute(context.Background(), sess, conn, nil)
	if resp.OK {
		t.Fatal("STLS must not be offered on an implicit-TLS listener")
	}
}

func TestQUITEntersUpdateOnlyFromTransaction(t *testing.T) {
	sess := newAuthorizationSession(true)
	conn := newTestConn()
	resp, _ := (&quitCommand{}).Execute(context.Background(), sess, conn, nil)
	if !resp.OK || sess.State() != StateAuthorization {
		t.Fatal("QUIT pre-auth should just say goodbye without entering UPDATE")
	}

	sess.SetAuthenticated("alice")
	resp, _ = (&quitCommand{}).Execute(context.Background(), sess, conn, nil)
	if !resp.OK || sess.State() != StateUpdate {
		t.Fatalf("QUIT from TRANSACTION should enter UPDATE, got state=%v", sess.State())
	}
}
