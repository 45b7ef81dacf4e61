package session

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
)

// Mode describes how a listener handles TLS. It is protocol-agnostic so the
// same Listener type serves both the SMTP and POP3 engines.
type Mode int

const (
	// ModePlain accepts plaintext connections; an upgrade command
	// (STARTTLS/STLS) may later promote the connection to TLS.
	ModePlain Mode = iota
	// ModeImplicitTLS wraps every accepted connection in a TLS handshake
	// before the protocol handler ever sees it (SMTPS/POP3S).
	ModeImplicitTLS
)

// ConnectionHandler processes one accepted, admitted connection. It is
// responsible for closing the connection before returning.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// AdmissionGate is consulted before a connection is handed to the protocol
// handler. TryAcquire must be fast and synchronous: it runs before any
// handshake or greeting (spec.md §4.1).
type AdmissionGate interface {
	TryAcquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// BusyResponder writes a busy/overloaded response to a freshly accepted,
// not-yet-admitted connection. Implemented per-protocol since the wire
// format differs between SMTP and POP3.
type BusyResponder func(conn net.Conn)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Address     string
	Mode        Mode
	TLSConfig   *tls.Config
	ConnConfig  ConnectionConfig
	Handler     ConnectionHandler
	Admission   AdmissionGate
	OnBusy      BusyResponder
	Logger      *slog.Logger
	GracePeriod time.Duration
}

// Listener accepts connections on one address, enforces the admission gate,
// wraps each accepted connection in a Connection, and hands it to the
// configured handler. It is shared infrastructure between the SMTP and
// POP3 server engines.
type Listener struct {
	address     string
	mode        Mode
	tlsConfig   *tls.Config
	connCfg     ConnectionConfig
	handler     ConnectionHandler
	admission   AdmissionGate
	onBusy      BusyResponder
	logger      *slog.Logger
	gracePeriod time.Duration

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewListener creates a Listener from cfg.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		address:     cfg.Address,
		mode:        cfg.Mode,
		tlsConfig:   cfg.TLSConfig,
		connCfg:     cfg.ConnConfig,
		handler:     cfg.Handler,
		admission:   cfg.Admission,
		onBusy:      cfg.OnBusy,
		logger:      logging.WithListener(logger, cfg.Address, modeString(cfg.Mode)),
		gracePeriod: cfg.GracePeriod,
	}
}

// Start binds the listening socket and runs the accept loop until ctx is
// cancelled. On cancellation it stops accepting new connections and waits
// up to GracePeriod (with no limit when GracePeriod <= 0) for in-flight
// handlers to finish. When the grace period expires it returns; connections
// still open at that point are not closed by the Listener.
func (l *Listener) Start(ctx context.Context) error {
	var netListener net.Listener
	var err error

	if l.mode == ModeImplicitTLS {
		if l.tlsConfig == nil {
			return errors.New("session: implicit TLS mode requires a TLS config")
		}
		netListener, err = tls.Listen("tcp", l.address, l.tlsConfig)
	} else {
		netListener, err = net.Listen("tcp", l.address)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.listener = netListener
	l.mu.Unlock()

	l.logger.Info("listening", slog.String("mode", l.modeString()))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(ctx)
	}()

	<-ctx.Done()
	l.logger.Info("shutting down listener", slog.Duration("grace_period", l.gracePeriod))
	_ = l.Close()

	if l.gracePeriod <= 0 {
		l.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.gracePeriod):
		l.logger.Warn("grace period expired, returning with connections still open")
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Error("accept error", slog.Any("error", err))
			return
		}

		if l.admission != nil && !l.admission.TryAcquire(ctx) {
			l.logger.Warn("connection rejected: admission limit reached",
				slog.String("remote", netConn.RemoteAddr().String()))
			if l.onBusy != nil {
				l.onBusy(netConn)
			}
			_ = netConn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				if l.admission != nil {
					l.admission.Release(ctx)
				}
			}()
			l.handleConnection(ctx, netConn)
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, netConn net.Conn) {
	conn := NewConnection(netConn, l.connCfg)
	defer conn.Close()

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Warn("failed to set initial deadline", slog.Any("error", err))
		return
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.IdleMonitor(monitorCtx)

	conn.Logger().Info("connection accepted")
	l.handler(ctx, conn)
}

// Close stops accepting new connections. Idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Address returns the configured listen address.
func (l *Listener) Address() string { return l.address }

// Mode returns the listener's TLS mode.
func (l *Listener) Mode() Mode { return l.mode }

// TLSConfig returns the listener's TLS configuration, if any.
func (l *Listener) TLSConfig() *tls.Config { return l.tlsConfig }

func (l *Listener) modeString() string {
	return modeString(l.mode)
}

func modeString(m Mode) string {
	if m == ModeImplicitTLS {
		return "implicit_tls"
	}
	return "plain"
}
