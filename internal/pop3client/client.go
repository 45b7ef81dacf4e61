// Package pop3client implements the POP3 Client Engine (PCE): a retrieval
// driver mirroring the server-side PSE's AUTHORIZATION/TRANSACTION state
// machine from the client side. Grounded on gsoultan-gsmail/pop3's Receiver,
// generalized from its one-shot Receive() into a reusable Client driving
// github.com/knadh/go-pop3 for the wire exchange, layered with a
// retrieve_all filter (date/from/subject, local read-state oracle for
// only_unread) the teacher's Receiver does not offer.
package pop3client

import (
	"context"
	"strings"
	"time"

	gopop3 "github.com/knadh/go-pop3"

	"github.com/infodancer/mailcore/internal/mailerr"
	"github.com/infodancer/mailcore/internal/mailmsg"
	"github.com/infodancer/mailcore/internal/mimecodec"
	"github.com/infodancer/mailcore/internal/smtpclient"
)

// Config configures one POP3 mailbox connection.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	TLSEnabled bool

	DialTimeout time.Duration
	Retry       smtpclient.RetryConfig
}

// MessageInfo is one LIST/UIDL entry.
type MessageInfo struct {
	Num  int
	Size int
}

// ReadStateOracle answers whether a message has already been read, used to
// implement the client-side only_unread filter pass-through (POP3 has no
// server-side read flag).
type ReadStateOracle interface {
	IsRead(messageID string) bool
}

// Filter narrows retrieve_all to a subset of the mailbox.
type Filter struct {
	SinceDate       time.Time
	FromContains    string
	SubjectContains string
	OnlyUnread      bool
	ReadState       ReadStateOracle
}

// Client drives a POP3 retrieval session.
type Client struct {
	cfg Config
}

// New constructs a Client for cfg.
func New(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Retry == (smtpclient.RetryConfig{}) {
		cfg.Retry = smtpclient.DefaultRetryConfig()
	}
	return &Client{cfg: cfg}
}

// withConn opens one authenticated connection, runs fn, and always issues
// QUIT before returning. Connect and AUTH failures are retried per cfg.Retry;
// fn's own errors are not retried (some, like a DELE on an already-deleted
// message, are permanent).
func (c *Client) withConn(ctx context.Context, fn func(conn *gopop3.Conn) error) error {
	var conn *gopop3.Conn
	err := smtpclient.Retry(ctx, c.cfg.Retry, func() error {
		p := gopop3.New(gopop3.Opt{
			Host:       c.cfg.Host,
			Port:       c.cfg.Port,
			TLSEnabled: c.cfg.TLSEnabled,
			DialTimeout: c.cfg.DialTimeout,
		})
		var dialErr error
		conn, dialErr = p.NewConn()
		if dialErr != nil {
			return mailerr.Wrap(mailerr.KindConnectFailed, "dialing pop3 server", dialErr)
		}
		if authErr := conn.Auth(c.cfg.Username, c.cfg.Password); authErr != nil {
			_ = conn.Quit()
			return mailerr.Wrap(mailerr.KindAuthFailed, "pop3 authentication", authErr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Quit() }()

	return fn(conn)
}

// Status implements get_mailbox_status(): STAT parsed to (count, size).
func (c *Client) Status(ctx context.Context) (count int, size int, err error) {
	err = c.withConn(ctx, func(conn *gopop3.Conn) error {
		var statErr error
		count, size, statErr = conn.Stat()
		if statErr != nil {
			return mailerr.Wrap(mailerr.KindProtocolViolation, "pop3 STAT", statErr)
		}
		return nil
	})
	return count, size, err
}

// ListMessages implements list_messages(): LIST parsed to [(n, size)].
func (c *Client) ListMessages(ctx context.Context) ([]MessageInfo, error) {
	var entries []MessageInfo
	err := c.withConn(ctx, func(conn *gopop3.Conn) error {
		list, listErr := conn.List(0)
		if listErr != nil {
			return mailerr.Wrap(mailerr.KindProtocolViolation, "pop3 LIST", listErr)
		}
		for _, m := range list {
			entries = append(entries, MessageInfo{Num: m.ID, Size: m.Size})
		}
		return nil
	})
	return entries, err
}

// RetrieveMessage implements retrieve_message(n, delete?): RETR bytes,
// optionally followed by DELE.
func (c *Client) RetrieveMessage(ctx context.Context, msgNum int, delete bool) ([]byte, error) {
	var data []byte
	err := c.withConn(ctx, func(conn *gopop3.Conn) error {
		buf, retrErr := conn.RetrRaw(msgNum)
		if retrErr != nil {
			return mailerr.Wrap(mailerr.KindNotFound, "pop3 RETR", retrErr)
		}
		data = buf.Bytes()
		if !delete {
			return nil
		}
		if deleErr := conn.Dele(msgNum); deleErr != nil {
			return mailerr.Wrap(mailerr.KindProtocolViolation, "pop3 DELE", deleErr)
		}
		return nil
	})
	return data, err
}

// RetrieveAll implements retrieve_all(filter?): lists the mailbox, retrieves
// each entry, decodes it via mimecodec, and keeps only messages matching
// filter. A nil filter retrieves everything.
func (c *Client) RetrieveAll(ctx context.Context, filter *Filter) ([]*mailmsg.Message, error) {
	entries, err := c.ListMessages(ctx)
	if err != nil {
		return nil, err
	}

	var out []*mailmsg.Message
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		raw, err := c.RetrieveMessage(ctx, entry.Num, false)
		if err != nil {
			continue
		}
		msg, err := mimecodec.Decode(raw)
		if err != nil {
			continue
		}
		if filter != nil && !matches(msg, filter) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func matches(msg *mailmsg.Message, f *Filter) bool {
	if !f.SinceDate.IsZero() && msg.Date.Before(f.SinceDate) {
		return false
	}
	if f.FromContains != "" && !strings.Contains(strings.ToLower(msg.From.String()), strings.ToLower(f.FromContains)) {
		return false
	}
	if f.SubjectContains != "" && !strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(f.SubjectContains)) {
		return false
	}
	if f.OnlyUnread && f.ReadState != nil && f.ReadState.IsRead(msg.MessageID) {
		return false
	}
	return true
}
