package smtp

import (
	"context"

	"github.com/emersion/go-sasl"
)

// AuthVerifier is the subset of internal/authmod.Module the SSE needs: a
// plain username/password check. Kept as a narrow interface here so this
// package does not need to import authmod's storage concerns.
type AuthVerifier interface {
	Verify(username, password string) error
}

// AuthDialog drives a multi-step SASL AUTH continuation (PLAIN or LOGIN),
// parking the session in the AUTH_PENDING substate between server
// challenges and client responses. Built on github.com/emersion/go-sasl
// server mechanisms rather than hand-decoding base64 per mechanism, since
// go-sasl already encodes the PLAIN/LOGIN challenge-response shape (teacher
// left LOGIN as "not implemented yet" — this completes it).
type AuthDialog struct {
	mechanism string
	server    sasl.Server
	verifier  AuthVerifier
	ctx       context.Context

	username string
	done     bool
	err      error
}

// NewAuthDialog constructs a dialog for mechanism ("PLAIN" or "LOGIN").
// Returns nil if the mechanism is not recognized.
func NewAuthDialog(ctx context.Context, mechanism string, verifier AuthVerifier) *AuthDialog {
	d := &AuthDialog{mechanism: mechanism, verifier: verifier, ctx: ctx}

	switch mechanism {
	case "PLAIN":
		d.server = sasl.NewPlainServer(func(identity, username, password string) error {
			d.username = username
			return verifier.Verify(username, password)
		})
	case "LOGIN":
		d.server = sasl.NewLoginServer(func(username, password string) error {
			d.username = username
			return verifier.Verify(username, password)
		})
	default:
		return nil
	}
	return d
}

// Next feeds the client's decoded response (nil for the very first call
// when there is no initial response) into the mechanism and returns the
// next challenge to send (334 continuation), whether the dialog is
// complete, and the terminal error if verification failed.
func (d *AuthDialog) Next(response []byte) (challenge []byte, done bool, err error) {
	challenge, done, err = d.server.Next(response)
	if done {
		d.done = true
		d.err = err
	}
	return challenge, done, err
}

// Username returns the username the client presented, valid once the
// dialog has produced at least one response.
func (d *AuthDialog) Username() string { return d.username }
