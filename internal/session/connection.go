// Package session provides the shared connection and listener runtime used
// by both the SMTP and POP3 servers: per-connection timeout management, TLS
// dispatch (implicit and STARTTLS-style upgrade), and a bounded accept loop.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
)

// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
var ErrAlreadyTLS = errors.New("connection is already TLS")

// Connection wraps a net.Conn with idle/total timeout management and
// optional transaction logging. It is shared infrastructure for the SMTP
// and POP3 server engines.
type Connection struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	logger       *slog.Logger
	idleTimeout  time.Duration
	startedAt    time.Time
	totalTimeout time.Duration
	logTx        bool

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	TotalTimeout   time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		totalTimeout: cfg.TotalTimeout,
		logTx:        cfg.LogTransaction,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}

	var r io.Reader = conn
	var w io.Writer = conn
	if cfg.LogTransaction {
		r = logging.NewTransactionReader(conn, connLogger, "recv")
		w = logging.NewTransactionWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader { return c.reader }

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer { return c.writer }

// Flush flushes the write buffer.
func (c *Connection) Flush() error { return c.writer.Flush() }

// ResetIdleTimeout resets the idle-timeout deadline. It also enforces the
// absolute total_timeout cap for the connection's lifetime (spec.md §5).
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	deadline := time.Time{}
	if c.idleTimeout > 0 {
		deadline = time.Now().Add(c.idleTimeout)
	}
	if c.totalTimeout > 0 {
		totalDeadline := c.startedAt.Add(c.totalTimeout)
		if deadline.IsZero() || totalDeadline.Before(deadline) {
			deadline = totalDeadline
		}
	}
	if deadline.IsZero() {
		return nil
	}
	return c.conn.SetDeadline(deadline)
}

// Expired reports whether the connection has exceeded total_timeout.
func (c *Connection) Expired() bool {
	if c.totalTimeout <= 0 {
		return false
	}
	return time.Since(c.startedAt) > c.totalTimeout
}

// Close closes the connection. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Underlying returns the underlying net.Conn. Use with caution; prefer the
// Connection methods.
func (c *Connection) Underlying() net.Conn { return c.conn }

// IsTLS reports whether the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// UpgradeToTLS upgrades the connection to TLS using the provided config.
// Called after sending the STARTTLS/STLS "ready" response. Per RFC 3207/
// RFC 2595, all prior protocol state is discarded by the caller on success.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	if c.IsTLS() {
		return ErrAlreadyTLS
	}

	if err := c.writer.Flush(); err != nil {
		return err
	}

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn

	var r io.Reader = tlsConn
	var w io.Writer = tlsConn
	if c.logTx {
		r = logging.NewTransactionReader(tlsConn, c.logger, "recv")
		w = logging.NewTransactionWriter(tlsConn, c.logger, "send")
	}
	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	c.logger.Debug("connection upgraded to TLS")
	return nil
}

// IdleMonitor runs in a goroutine and closes the connection once it has sat
// idle longer than idleTimeout, independent of whatever the handler is
// currently blocked on. Stops when ctx is cancelled or the connection closes.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection", slog.Duration("idle_time", idle))
				_ = c.Close()
				return
			}
		}
	}
}
