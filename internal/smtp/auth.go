package smtp

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/infodancer/mailcore/internal/mailerr"
)

// authPattern matches AUTH commands: AUTH MECHANISM [initial-response].
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(\S+))?\s*$`)

// AUTHCommand implements the AUTH command (RFC 4954), dispatching to a
// go-sasl-backed AuthDialog for PLAIN and the two-step LOGIN continuation.
type AUTHCommand struct {
	authAgent AuthVerifier
}

func (c *AUTHCommand) Pattern() *regexp.Regexp { return authPattern }

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	var initialResponse string
	if len(matches) > 2 {
		initialResponse = matches[2]
	}

	if session.IsAuthenticated() {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !session.IsTLSActive() {
		if !isLocalhost(session.ConnInfo().ClientIP) {
			return SMTPResult{Code: 538, Message: "5.7.11 Encryption required for requested authentication mechanism"}, nil
		}
	}

	dialog := NewAuthDialog(ctx, mechanism, c.authAgent)
	if dialog == nil {
		return SMTPResult{Code: 504, Message: "5.5.4 Unrecognized authentication type"}, nil
	}

	var initial []byte
	if initialResponse != "" {
		if initialResponse == "=" {
			initial = []byte{}
		} else {
			decoded, err := base64.StdEncoding.DecodeString(initialResponse)
			if err != nil {
				return SMTPResult{Code: 501, Message: "5.5.2 Invalid base64 encoding"}, nil
			}
			initial = decoded
		}
	}

	return advanceAuthDialog(session, dialog, initial)
}

// advanceAuthDialog feeds a decoded response into dialog and produces the
// next reply, parking the session in AUTH_PENDING if more continuation is
// required.
func advanceAuthDialog(session *SMTPSession, dialog *AuthDialog, response []byte) (SMTPResult, error) {
	session.lastAuthMech = dialog.mechanism
	challenge, done, err := dialog.Next(response)
	if !done {
		session.BeginAuthDialog(dialog)
		return SMTPResult{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}, nil
	}

	session.EndAuthDialog()

	if err != nil {
		if mailerr.Is(err, mailerr.KindAuthFailed) {
			return SMTPResult{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
		}
		return SMTPResult{Code: 454, Message: "4.7.0 Temporary authentication failure"}, nil
	}

	session.SetAuthenticated(dialog.Username(), dialog.mechanism)
	return SMTPResult{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

// ContinueAuth feeds a client's AUTH continuation line (already base64-
// decoded by the caller) into the session's pending dialog. Called by the
// handler's command loop while session.InAuthDialog() is true.
func ContinueAuth(session *SMTPSession, response []byte, aborted bool) SMTPResult {
	dialog := session.GetAuthDialog()
	if dialog == nil {
		session.EndAuthDialog()
		return SMTPResult{Code: 501, Message: "5.5.2 No authentication in progress"}
	}
	if aborted {
		session.EndAuthDialog()
		return SMTPResult{Code: 501, Message: "5.7.0 Authentication cancelled"}
	}

	result, _ := advanceAuthDialog(session, dialog, response)
	return result
}
