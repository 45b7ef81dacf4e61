package pop3

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/mailerr"
)

// AuthProvider verifies POP3 credentials. Implemented by *authmod.Module.
type AuthProvider interface {
	Verify(username, password string) error
	VerifyAPOP(username, nonce, digestHex string) error
}

// capaCommand implements CAPA (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string { return "CAPA" }

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	return Response{OK: true, Message: "Capability list follows", Lines: sess.Capabilities()}, nil
}

// stlsCommand implements STLS (RFC 2595). The handler performs the actual
// TLS upgrade after this command reports success.
type stlsCommand struct{}

func (s *stlsCommand) Name() string { return "STLS" }

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}
	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements USER (RFC 1939). Never reveals whether the name
// is a real mailbox, to avoid user enumeration.
type userCommand struct{}

func (u *userCommand) Name() string { return "USER" }

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 || args[0] == "" {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}
	sess.SetUsername(args[0])
	return Response{OK: true, Message: "send PASS"}, nil
}

// initializeSession authenticates username/password, transitions to
// TRANSACTION, and freezes the mailbox snapshot.
func initializeSession(ctx context.Context, sess *Session, conn ConnectionLogger, authProvider AuthProvider, ds Store, username, password string) error {
	if err := authProvider.Verify(username, password); err != nil {
		conn.Logger().Info("authentication failed", "username", username, "error", err.Error())
		return mailerr.Wrap(mailerr.KindAuthFailed, "verifying credentials", err)
	}
	sess.SetAuthenticated(username)
	sess.SetUsername(username)
	if ds != nil {
		if err := sess.InitializeMailbox(ctx, ds, username); err != nil {
			conn.Logger().Error("failed to initialize mailbox", "username", username, "error", err.Error())
			return err
		}
	}
	conn.Logger().Info("authentication successful", "username", username)
	return nil
}

// passCommand implements PASS (RFC 1939).
type passCommand struct {
	authProvider AuthProvider
	ds           Store
}

func (p *passCommand) Name() string { return "PASS" }

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}
	if err := initializeSession(ctx, sess, conn, p.authProvider, p.ds, username, args[0]); err != nil {
		return Response{OK: false, Message: "Authentication failed"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// apopCommand implements APOP (RFC 1939 §7): MD5(nonce || secret) against
// the greeting challenge, avoiding cleartext passwords on an unencrypted
// connection. Unsupported (returns -ERR) when AM has no reversible secret
// for the user, per spec.md §4.3's Open Question (see DESIGN.md).
type apopCommand struct {
	authProvider AuthProvider
	ds           Store
}

func (a *apopCommand) Name() string { return "APOP" }

func (a *apopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "APOP command requires user and digest arguments"}, nil
	}
	username, digest := args[0], args[1]

	if err := a.authProvider.VerifyAPOP(username, sess.ApopNonce(), digest); err != nil {
		conn.Logger().Info("APOP authentication failed", "username", username, "error", err.Error())
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetAuthenticated(username)
	sess.SetUsername(username)
	if a.ds != nil {
		if err := sess.InitializeMailbox(ctx, a.ds, username); err != nil {
			conn.Logger().Error("failed to initialize mailbox", "username", username, "error", err.Error())
			return Response{OK: false, Message: "Failed to access mailbox"}, nil
		}
	}
	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// quitCommand implements QUIT (RFC 1939).
type quitCommand struct{}

func (q *quitCommand) Name() string { return "QUIT" }

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	message := "Goodbye"
	if sess.State() == StateTransaction {
		sess.EnterUpdate()
		message = "Logging out"
	}
	return Response{OK: true, Message: message}, nil
}

// authCommand implements AUTH (RFC 5034), currently offering PLAIN via
// go-sasl's server-side state machine.
type authCommand struct {
	authProvider AuthProvider
	ds           Store
}

func (a *authCommand) Name() string { return "AUTH" }

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}
	if len(args) < 1 {
		return Response{OK: false, Message: "AUTH command requires mechanism argument"}, nil
	}

	mechanism := strings.ToUpper(args[0])
	if mechanism != sasl.Plain {
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}

	server := sasl.NewPlainServer(func(identity, username, password string) error {
		return initializeSession(ctx, sess, conn, a.authProvider, a.ds, username, password)
	})
	sess.SetSASLServer(mechanism, server)

	var initialResponse []byte
	if len(args) > 1 {
		if args[1] == "=" {
			initialResponse = []byte{}
		} else {
			decoded, err := DecodeSASLResponse(args[1])
			if err != nil {
				sess.ClearSASL()
				return Response{OK: false, Message: "Invalid base64 encoding"}, nil
			}
			initialResponse = decoded
		}
		return a.processSASLStep(sess)(initialResponse)
	}

	return Response{Continuation: true, Challenge: ""}, nil
}

// processSASLStep returns a closure that advances sess's pending SASL
// exchange by one response.
func (a *authCommand) processSASLStep(sess *Session) func([]byte) (Response, error) {
	return func(response []byte) (Response, error) {
		server := sess.SASLServer()
		if server == nil {
			return Response{OK: false, Message: "No SASL exchange in progress"}, nil
		}
		challenge, done, err := server.Next(response)
		if err != nil {
			sess.ClearSASL()
			return Response{OK: false, Message: "Authentication failed"}, nil
		}
		if done {
			sess.ClearSASL()
			return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", sess.Username())}, nil
		}
		return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
	}
}

// ProcessSASLResponse advances a pending AUTH exchange with one line read
// by the handler's main loop. A bare "*" cancels per RFC 5034.
func (a *authCommand) ProcessSASLResponse(sess *Session, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}
	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Invalid base64 encoding"}, nil
	}
	return a.processSASLStep(sess)(response)
}
