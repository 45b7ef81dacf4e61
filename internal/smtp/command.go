// Package smtp implements the SMTP Server Engine (SSE): the RFC 5321+3207+
// 4954 command grammar, session state machine, and DATA commit path. It is
// grounded on the teacher's hand-rolled SMTPSession/SMTPCommand/
// CommandRegistry pattern (regexp-pattern dispatch rather than a generated
// parser), generalized to persist through the Content Manager and Durable
// Store instead of a single delivery agent interface.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"regexp"
	"strconv"
)

// Errors for SMTP command processing.
var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrBadSequence       = errors.New("bad sequence of commands")
	ErrTooManyRecipients = errors.New("too many recipients")
	ErrInputTooLong      = errors.New("input exceeds maximum length")
)

// SessionState represents the current state of an SMTP session. Names
// follow the GREETING → HELO_PENDING → MAIL_PENDING ⇄ RCPT_PENDING →
// DATA_PENDING state table; AUTH_PENDING is tracked separately since it is
// a transient sub-dialog rather than a point in the envelope lifecycle.
type SessionState int

const (
	StateInit      SessionState = iota // GREETING: waiting for HELO/EHLO
	StateGreeted                       // HELO_PENDING: greeted, no envelope yet
	StateMailFrom                      // MAIL_PENDING: sender accepted
	StateRcptTo                        // RCPT_PENDING: at least one recipient accepted
	StateData                          // DATA_PENDING: collecting message bytes
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "GREETING"
	case StateGreeted:
		return "HELO_PENDING"
	case StateMailFrom:
		return "MAIL_PENDING"
	case StateRcptTo:
		return "RCPT_PENDING"
	case StateData:
		return "DATA_PENDING"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds configurable limits, reusable across sessions.
type SessionConfig struct {
	MaxRecipients    int
	MaxMessageSize   int64
	MaxHeloDomainLen int
	MaxEmailLen      int
	// AuthRequired, when true, rejects MAIL FROM on an unauthenticated
	// session with 530 (spec.md §4.2 AUTH_REQUIRED policy).
	AuthRequired bool
}

// DefaultSessionConfig returns sensible defaults per RFC 5321.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxRecipients:    100,
		MaxMessageSize:   26214400,
		MaxHeloDomainLen: 255,
		MaxEmailLen:      320,
	}
}

// ConnectionInfo holds per-connection context about the client.
type ConnectionInfo struct {
	ClientIP string
}

// SMTPSession represents an SMTP session's state machine.
type SMTPSession struct {
	config     SessionConfig
	connInfo   ConnectionInfo
	state      SessionState
	helo       string
	sender     string
	recipients []string

	authenticated bool
	authUser      string
	authMech      string

	// authDialog is non-nil while a multi-step AUTH continuation is in
	// progress (AUTH_PENDING substate); stateBefore is the state to restore.
	authDialog  *AuthDialog
	stateBefore SessionState
	lastAuthMech string

	tlsActive bool
}

// NewSMTPSession creates a new SMTP session with the given connection info
// and config.
func NewSMTPSession(connInfo ConnectionInfo, config SessionConfig) *SMTPSession {
	return &SMTPSession{
		config:     config,
		connInfo:   connInfo,
		state:      StateInit,
		recipients: make([]string, 0),
	}
}

func (s *SMTPSession) Config() SessionConfig      { return s.config }
func (s *SMTPSession) ConnInfo() ConnectionInfo    { return s.connInfo }
func (s *SMTPSession) State() SessionState         { return s.state }
func (s *SMTPSession) SetState(state SessionState) { s.state = state }
func (s *SMTPSession) SetHelo(domain string)       { s.helo = domain }
func (s *SMTPSession) GetHelo() string             { return s.helo }
func (s *SMTPSession) SetSender(sender string)     { s.sender = sender }
func (s *SMTPSession) GetSender() string           { return s.sender }

func (s *SMTPSession) AddRecipient(recipient string) {
	s.recipients = append(s.recipients, recipient)
}

// GetRecipients returns a defensive copy of the envelope recipients.
func (s *SMTPSession) GetRecipients() []string {
	result := make([]string, len(s.recipients))
	copy(result, s.recipients)
	return result
}

func (s *SMTPSession) RecipientCount() int { return len(s.recipients) }
func (s *SMTPSession) InData() bool        { return s.state == StateData }

// InAuthDialog reports whether a multi-step AUTH continuation is pending.
func (s *SMTPSession) InAuthDialog() bool { return s.authDialog != nil }

// BeginAuthDialog parks the session in the AUTH_PENDING substate, saving
// the state to restore to once the dialog completes or aborts.
func (s *SMTPSession) BeginAuthDialog(d *AuthDialog) {
	s.stateBefore = s.state
	s.authDialog = d
}

// GetAuthDialog returns the in-progress AUTH continuation, or nil.
func (s *SMTPSession) GetAuthDialog() *AuthDialog { return s.authDialog }

// EndAuthDialog clears the AUTH_PENDING substate, restoring prior state.
func (s *SMTPSession) EndAuthDialog() {
	s.authDialog = nil
	s.state = s.stateBefore
}

// Reset resets envelope state for a new transaction; HELO and auth survive.
func (s *SMTPSession) Reset() {
	s.sender = ""
	s.recipients = make([]string, 0)
	if s.state != StateInit {
		s.state = StateGreeted
	}
}

func (s *SMTPSession) SetAuthenticated(user, mechanism string) {
	s.authenticated = true
	s.authUser = user
	s.authMech = mechanism
}

func (s *SMTPSession) IsAuthenticated() bool { return s.authenticated }
func (s *SMTPSession) GetAuthUser() string   { return s.authUser }
func (s *SMTPSession) GetAuthMech() string   { return s.authMech }

// LastAuthMech returns the mechanism name of the most recent AUTH attempt,
// successful or not (unlike GetAuthMech, which only reflects a session that
// is currently authenticated). Used for metrics labeling.
func (s *SMTPSession) LastAuthMech() string { return s.lastAuthMech }

func (s *SMTPSession) SetTLSActive(active bool) { s.tlsActive = active }
func (s *SMTPSession) IsTLSActive() bool        { return s.tlsActive }

// SMTPCommand is the contract for SMTP commands dispatched by regexp match.
type SMTPCommand interface {
	Pattern() *regexp.Regexp
	Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error)
}

// SMTPResult represents the result of processing an SMTP command.
type SMTPResult struct {
	Code    int
	Message string
	Lines   []string
}

// CommandRegistry holds registered commands and matches input against them.
type CommandRegistry struct {
	commands []SMTPCommand
}

// NewCommandRegistry creates a registry with all standard SMTP commands.
// authAgent is the Auth Module (nil disables AUTH); tlsConfig enables
// STARTTLS when non-nil.
func NewCommandRegistry(hostname string, authAgent AuthVerifier, tlsConfig *tls.Config) *CommandRegistry {
	commands := []SMTPCommand{
		&EHLOCommand{hostname: hostname, authAgent: authAgent, tlsConfig: tlsConfig},
		&HELOCommand{},
		&MAILCommand{},
		&RCPTCommand{},
		&DATACommand{},
		&RSETCommand{},
		&NOOPCommand{},
		&QUITCommand{},
		&VRFYCommand{},
		&EXPNCommand{},
	}

	if tlsConfig != nil {
		commands = append([]SMTPCommand{&STARTTLSCommand{tlsConfig: tlsConfig}}, commands...)
	}
	if authAgent != nil {
		commands = append([]SMTPCommand{&AUTHCommand{authAgent: authAgent}}, commands...)
	}

	return &CommandRegistry{commands: commands}
}

// Match finds the command matching the input line, returning its capture
// groups.
func (r *CommandRegistry) Match(line string) (SMTPCommand, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

var (
	ehloPattern  = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	heloPattern  = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	mailPattern  = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*<([^>]*)>(.*)$`)
	rcptPattern  = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*<([^>]*)>(.*)$`)
	dataPattern  = regexp.MustCompile(`(?i)^DATA\s*$`)
	rsetPattern  = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern  = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern  = regexp.MustCompile(`(?i)^QUIT\s*$`)
	vrfyPattern  = regexp.MustCompile(`(?i)^VRFY(?:\s.*)?$`)
	expnPattern  = regexp.MustCompile(`(?i)^EXPN(?:\s.*)?$`)
	sizeParamRe  = regexp.MustCompile(`(?i)\bSIZE=(\d+)\b`)
)

// EHLOCommand implements the EHLO command.
type EHLOCommand struct {
	hostname  string
	authAgent AuthVerifier
	tlsConfig *tls.Config
}

func (c *EHLOCommand) Pattern() *regexp.Regexp { return ehloPattern }

func (c *EHLOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "5.5.4 Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	hostname := c.hostname
	if hostname == "" {
		hostname = "localhost"
	}

	lines := []string{
		hostname + " Hello " + domain + " [" + clientIP + "]",
		"SIZE " + strconv.FormatInt(session.Config().MaxMessageSize, 10),
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"PIPELINING",
	}

	if c.tlsConfig != nil && !session.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}
	if c.authAgent != nil && !session.IsAuthenticated() {
		if session.IsTLSActive() || isLocalhost(clientIP) {
			lines = append(lines, "AUTH PLAIN LOGIN")
		}
	}

	return SMTPResult{Code: 250, Lines: lines}, nil
}

// HELOCommand implements the HELO command (no capability list, RFC 821 style).
type HELOCommand struct{}

func (c *HELOCommand) Pattern() *regexp.Regexp { return heloPattern }

func (c *HELOCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	domain := matches[1]
	if len(domain) > session.Config().MaxHeloDomainLen {
		return SMTPResult{Code: 501, Message: "5.5.4 Domain name too long"}, nil
	}

	session.SetHelo(domain)
	session.SetState(StateGreeted)

	clientIP := session.ConnInfo().ClientIP
	if clientIP == "" {
		clientIP = "unknown"
	}

	return SMTPResult{Code: 250, Message: "Hello " + domain + " [" + clientIP + "]"}, nil
}

// MAILCommand implements the MAIL command.
type MAILCommand struct{}

func (c *MAILCommand) Pattern() *regexp.Regexp { return mailPattern }

func (c *MAILCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateGreeted {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	if session.Config().AuthRequired && !session.IsAuthenticated() {
		return SMTPResult{Code: 530, Message: "5.7.0 Authentication required"}, nil
	}

	email := matches[1]
	params := matches[2]

	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "5.1.7 Email address too long"}, nil
	}

	if m := sizeParamRe.FindStringSubmatch(params); m != nil {
		declared, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return SMTPResult{Code: 501, Message: "5.5.4 Invalid SIZE parameter"}, nil
		}
		if max := session.Config().MaxMessageSize; max > 0 && declared > max {
			return SMTPResult{Code: 552, Message: "5.3.4 Message size exceeds fixed maximum"}, nil
		}
	}

	session.Reset()
	session.SetSender(email)
	session.SetState(StateMailFrom)

	return SMTPResult{Code: 250, Message: "2.1.0 OK"}, nil
}

// RCPTCommand implements the RCPT command.
type RCPTCommand struct{}

func (c *RCPTCommand) Pattern() *regexp.Regexp { return rcptPattern }

func (c *RCPTCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateMailFrom {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	email := matches[1]
	if len(email) > session.Config().MaxEmailLen {
		return SMTPResult{Code: 501, Message: "5.1.3 Email address too long"}, nil
	}

	if session.RecipientCount() >= session.Config().MaxRecipients {
		return SMTPResult{Code: 452, Message: "4.5.3 Too many recipients"}, nil
	}

	session.AddRecipient(email)
	session.SetState(StateRcptTo)

	return SMTPResult{Code: 250, Message: "2.1.5 OK"}, nil
}

// DATACommand implements the DATA command.
type DATACommand struct{}

func (c *DATACommand) Pattern() *regexp.Regexp { return dataPattern }

func (c *DATACommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	if session.State() < StateRcptTo {
		return SMTPResult{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}

	session.SetState(StateData)
	return SMTPResult{Code: 354, Message: "Start mail input; end with <CRLF>.<CRLF>"}, nil
}

// RSETCommand implements the RSET command.
type RSETCommand struct{}

func (c *RSETCommand) Pattern() *regexp.Regexp { return rsetPattern }

func (c *RSETCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	session.Reset()
	return SMTPResult{Code: 250, Message: "2.0.0 OK"}, nil
}

// NOOPCommand implements the NOOP command.
type NOOPCommand struct{}

func (c *NOOPCommand) Pattern() *regexp.Regexp { return noopPattern }

func (c *NOOPCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 250, Message: "2.0.0 OK"}, nil
}

// QUITCommand implements the QUIT command.
type QUITCommand struct{}

func (c *QUITCommand) Pattern() *regexp.Regexp { return quitPattern }

func (c *QUITCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 221, Message: "2.0.0 Goodbye"}, nil
}

// VRFYCommand always refuses to confirm mailbox existence (spec.md §4.2).
type VRFYCommand struct{}

func (c *VRFYCommand) Pattern() *regexp.Regexp { return vrfyPattern }

func (c *VRFYCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 252, Message: "2.1.5 Cannot VRFY user, but will accept message"}, nil
}

// EXPNCommand always refuses to expand a mailing list (spec.md §4.2).
type EXPNCommand struct{}

func (c *EXPNCommand) Pattern() *regexp.Regexp { return expnPattern }

func (c *EXPNCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	return SMTPResult{Code: 502, Message: "5.5.1 EXPN not supported"}, nil
}

// isLocalhost checks if the given IP address is a localhost address.
func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		len(ip) > 4 && ip[:4] == "127." || ip == "localhost"
}
