// Package smtpclient implements the SMTP Client Engine (SCE): a submission
// driver that connects to a remote SMTP server, negotiates STARTTLS and
// AUTH, and submits one message per call. Grounded on gsoultan-gsmail/smtp's
// Sender, generalized from its net/smtp-wrapped dialog into a hand-rolled
// net/textproto driver so intermediate replies (STARTTLS readiness, AUTH
// continuation) can be asserted on directly instead of hidden behind
// net/smtp.Client.
package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/mailerr"
	"github.com/infodancer/mailcore/internal/mailmsg"
	"github.com/infodancer/mailcore/internal/mimecodec"
)

// AuthMethod selects the SASL mechanism the client offers.
type AuthMethod int

const (
	// AuthNone skips authentication entirely.
	AuthNone AuthMethod = iota
	// AuthPlain forces SASL PLAIN.
	AuthPlain
	// AuthLogin forces SASL LOGIN.
	AuthLogin
	// AuthAuto prefers PLAIN when TLS is active, falling back to LOGIN.
	AuthAuto
)

// Store is the subset of *store.Store the SCE needs to record a sent copy
// (spec.md §4.4 "Side effect").
type Store interface {
	RecordSent(ctx context.Context, username, messageID, contentKey string, size int64, sentAt time.Time) error
}

// Content is the subset of *content.Manager the SCE needs to persist the
// bytes of a sent message.
type Content interface {
	Put(key string, r io.Reader) (int64, error)
}

// Config configures one outbound connection.
type Config struct {
	Host               string
	Port               int
	HELODomain         string
	ImplicitTLS        bool
	TLSConfig          *tls.Config
	InsecureSkipVerify bool

	Username          string
	Password          string
	AuthMethod        AuthMethod
	AllowInsecureAuth bool

	DialTimeout time.Duration
	Retry       RetryConfig

	// SaveSentCopies, when true, persists a SentRecord via Store and the
	// raw bytes via Content after a successful submission.
	SaveSentCopies bool
	Store          Store
	Content        Content
	SentByUsername string
}

// Client drives one SMTP submission session end to end.
type Client struct {
	cfg Config
}

// New constructs a Client for cfg.
func New(cfg Config) *Client {
	if cfg.HELODomain == "" {
		cfg.HELODomain = "localhost"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{cfg: cfg}
}

// Send submits msg to recipients, retrying the connect, STARTTLS and AUTH
// steps per cfg.Retry. MAIL FROM, RCPT TO and DATA are sent once, without
// retry. Permanent (5xx) rejections are never retried.
func (c *Client) Send(ctx context.Context, msg *mailmsg.Message, from string, recipients []string) error {
	if len(recipients) == 0 {
		return mailerr.New(mailerr.KindInvalidSyntax, "no recipients")
	}

	encoded, err := mimecodec.Encode(msg)
	if err != nil {
		return mailerr.Wrap(mailerr.KindInvalidSyntax, "encoding message", err)
	}

	var tp *textproto.Conn
	var conn net.Conn
	err = Retry(ctx, c.cfg.Retry, func() error {
		var dialErr error
		conn, tp, dialErr = c.dial(ctx)
		return dialErr
	})
	if err != nil {
		return err
	}
	defer tp.Close()

	if err := c.greet(tp); err != nil {
		return err
	}

	exts, err := c.ehlo(tp)
	if err != nil {
		return err
	}

	if !c.cfg.ImplicitTLS {
		if _, ok := exts["STARTTLS"]; ok {
			err = Retry(ctx, c.cfg.Retry, func() error {
				var upgradeErr error
				conn, tp, upgradeErr = c.startTLS(conn, tp)
				return upgradeErr
			})
			if err != nil {
				return err
			}
			exts, err = c.ehlo(tp)
			if err != nil {
				return err
			}
		}
	}

	tlsActive := c.cfg.ImplicitTLS
	if _, ok := conn.(*tls.Conn); ok {
		tlsActive = true
	}

	if c.cfg.AuthMethod != AuthNone && c.cfg.Username != "" {
		if !c.cfg.AllowInsecureAuth && !tlsActive {
			return mailerr.New(mailerr.KindAuthFailed, "refusing to authenticate over plaintext")
		}
		if _, ok := exts["AUTH"]; !ok {
			return mailerr.New(mailerr.KindUnsupported, "server does not advertise AUTH")
		}
		if err := c.authenticate(ctx, tp, exts["AUTH"], tlsActive); err != nil {
			return err
		}
	}

	if err := c.mailFrom(tp, from, len(encoded)); err != nil {
		return err
	}
	if err := c.rcptTo(tp, recipients); err != nil {
		return err
	}
	if err := c.data(tp, encoded); err != nil {
		return err
	}
	_, _ = tp.Cmd("QUIT")
	_, _, _ = tp.ReadResponse(221)

	if c.cfg.SaveSentCopies && c.cfg.Store != nil && c.cfg.Content != nil {
		size, perr := c.cfg.Content.Put(msg.MessageID, strings.NewReader(string(encoded)))
		if perr == nil {
			_ = c.cfg.Store.RecordSent(ctx, c.cfg.SentByUsername, msg.MessageID, msg.MessageID, size, time.Now())
		}
	}

	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, *textproto.Conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, mailerr.Wrap(mailerr.KindConnectFailed, "dialing "+addr, err)
	}

	if c.cfg.ImplicitTLS {
		tlsConn := tls.Client(conn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			return nil, nil, mailerr.Wrap(mailerr.KindTLSFailed, "implicit TLS handshake", err)
		}
		conn = tlsConn
	}

	return conn, textproto.NewConn(conn), nil
}

func (c *Client) tlsConfig() *tls.Config {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig
	}
	return &tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.cfg.InsecureSkipVerify}
}

func (c *Client) greet(tp *textproto.Conn) error {
	code, msg, err := tp.ReadResponse(220)
	if err != nil {
		return replyErr(code, msg, err)
	}
	return nil
}

// ehlo issues EHLO and returns the advertised extension set, keyed by
// extension keyword ("AUTH" maps to its mechanism list joined by spaces).
func (c *Client) ehlo(tp *textproto.Conn) (map[string]string, error) {
	id, err := tp.Cmd("EHLO %s", c.cfg.HELODomain)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindProtocolViolation, "sending EHLO", err)
	}

	tp.StartResponse(id)
	defer tp.EndResponse(id)
	code, msg, err := tp.ReadResponse(250)
	if err != nil {
		return nil, replyErr(code, msg, err)
	}

	exts := make(map[string]string)
	for _, line := range strings.Split(msg, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToUpper(fields[0])
		exts[keyword] = strings.Join(fields[1:], " ")
	}
	return exts, nil
}

func (c *Client) startTLS(conn net.Conn, tp *textproto.Conn) (net.Conn, *textproto.Conn, error) {
	id, err := tp.Cmd("STARTTLS")
	if err != nil {
		return conn, tp, mailerr.Wrap(mailerr.KindProtocolViolation, "sending STARTTLS", err)
	}
	tp.StartResponse(id)
	code, msg, err := tp.ReadResponse(220)
	tp.EndResponse(id)
	if err != nil {
		return conn, tp, replyErr(code, msg, err)
	}

	tlsConn := tls.Client(conn, c.tlsConfig())
	if err := tlsConn.Handshake(); err != nil {
		return conn, tp, mailerr.Wrap(mailerr.KindTLSFailed, "STARTTLS handshake", err)
	}
	return tlsConn, textproto.NewConn(tlsConn), nil
}

// authenticate runs the SASL client dialog for the first mechanism in
// advertised (a space-separated list from the EHLO AUTH extension) that
// cfg.AuthMethod permits.
func (c *Client) authenticate(ctx context.Context, tp *textproto.Conn, advertised string, tlsActive bool) error {
	mechanisms := strings.Fields(advertised)
	mech, saslClient := c.pickMechanism(mechanisms, tlsActive)
	if saslClient == nil {
		return mailerr.New(mailerr.KindUnsupported, "no acceptable AUTH mechanism advertised")
	}

	return Retry(ctx, c.cfg.Retry, func() error {
		return c.authOnce(tp, mech, saslClient)
	})
}

func (c *Client) pickMechanism(advertised []string, tlsActive bool) (string, sasl.Client) {
	has := func(name string) bool {
		for _, a := range advertised {
			if strings.EqualFold(a, name) {
				return true
			}
		}
		return false
	}

	preferPlain := tlsActive && (c.cfg.AuthMethod == AuthPlain || c.cfg.AuthMethod == AuthAuto)
	if preferPlain && has("PLAIN") {
		return "PLAIN", sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
	}
	if (c.cfg.AuthMethod == AuthLogin || c.cfg.AuthMethod == AuthAuto) && has("LOGIN") {
		return "LOGIN", sasl.NewLoginClient(c.cfg.Username, c.cfg.Password)
	}
	if c.cfg.AuthMethod == AuthPlain && has("PLAIN") {
		return "PLAIN", sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
	}
	return "", nil
}

func (c *Client) authOnce(tp *textproto.Conn, mech string, client sasl.Client) error {
	_, initial, err := client.Start()
	if err != nil {
		return mailerr.Wrap(mailerr.KindAuthFailed, "starting SASL mechanism", err)
	}

	line := "AUTH " + mech
	if initial != nil {
		line += " " + encodeSASL(initial)
	}
	id, err := tp.Cmd("%s", line)
	if err != nil {
		return mailerr.Wrap(mailerr.KindProtocolViolation, "sending AUTH", err)
	}

	for {
		tp.StartResponse(id)
		code, msg, err := tp.ReadResponse(0)
		tp.EndResponse(id)
		if err != nil {
			return mailerr.Wrap(mailerr.KindProtocolViolation, "reading AUTH reply", err)
		}

		switch {
		case code == 235:
			return nil
		case code == 334:
			challenge, decErr := decodeSASL(msg)
			if decErr != nil {
				return mailerr.Wrap(mailerr.KindProtocolViolation, "decoding AUTH challenge", decErr)
			}
			response, nextErr := client.Next(challenge)
			if nextErr != nil {
				return mailerr.Wrap(mailerr.KindAuthFailed, "SASL continuation", nextErr)
			}
			id, err = tp.Cmd("%s", encodeSASL(response))
			if err != nil {
				return mailerr.Wrap(mailerr.KindProtocolViolation, "sending AUTH continuation", err)
			}
		case code >= 500:
			return mailerr.Rejected(code, "", msg)
		case code >= 400:
			return mailerr.Wrap(mailerr.KindTemporary, "AUTH temporarily rejected", mailerr.Rejected(code, "", msg))
		default:
			return mailerr.Wrap(mailerr.KindProtocolViolation, "unexpected AUTH reply", fmt.Errorf("%d %s", code, msg))
		}
	}
}

func (c *Client) mailFrom(tp *textproto.Conn, from string, size int) error {
	cmd := fmt.Sprintf("MAIL FROM:<%s> SIZE=%d", from, size)
	return c.cmdExpect(tp, cmd, 250)
}

func (c *Client) rcptTo(tp *textproto.Conn, recipients []string) error {
	accepted := 0
	var lastErr error
	for _, rcpt := range recipients {
		err := c.cmdExpect(tp, fmt.Sprintf("RCPT TO:<%s>", rcpt), 250)
		if err == nil {
			accepted++
			continue
		}
		lastErr = err
	}
	if accepted == 0 {
		return lastErr
	}
	return nil
}

func (c *Client) cmdExpect(tp *textproto.Conn, cmd string, expectCode int) error {
	id, err := tp.Cmd("%s", cmd)
	if err != nil {
		return mailerr.Wrap(mailerr.KindProtocolViolation, "sending "+cmd, err)
	}
	tp.StartResponse(id)
	defer tp.EndResponse(id)
	code, msg, err := tp.ReadResponse(expectCode)
	if err != nil {
		return replyErr(code, msg, err)
	}
	return nil
}

// data sends the DATA command and the dot-stuffed message body.
func (c *Client) data(tp *textproto.Conn, body []byte) error {
	id, err := tp.Cmd("DATA")
	if err != nil {
		return mailerr.Wrap(mailerr.KindProtocolViolation, "sending DATA", err)
	}
	tp.StartResponse(id)
	code, msg, err := tp.ReadResponse(354)
	tp.EndResponse(id)
	if err != nil {
		return replyErr(code, msg, err)
	}

	w := tp.DotWriter()
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return mailerr.Wrap(mailerr.KindProtocolViolation, "writing message body", err)
	}
	if err := w.Close(); err != nil {
		return mailerr.Wrap(mailerr.KindProtocolViolation, "closing DATA", err)
	}

	code, msg, err = tp.ReadResponse(250)
	if err != nil {
		return replyErr(code, msg, err)
	}
	return nil
}

func replyErr(code int, msg string, cause error) error {
	if code >= 500 {
		return mailerr.Rejected(code, "", msg)
	}
	if code >= 400 {
		return mailerr.Wrap(mailerr.KindTemporary, "server returned a temporary failure", mailerr.Rejected(code, "", msg))
	}
	return mailerr.Wrap(mailerr.KindProtocolViolation, "unexpected reply", cause)
}
