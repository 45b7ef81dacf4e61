package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
)

// ListenerSpec describes one address a Server should bind, independent of
// any protocol-specific configuration format.
type ListenerSpec struct {
	Address string
	Mode    Mode
}

// ServerConfig configures a Server. It is intentionally protocol-agnostic:
// the SMTP and POP3 composition roots (cmd/smtpd, cmd/pop3d) each translate
// their own TOML config into this shape.
type ServerConfig struct {
	Hostname       string
	LogLevel       string
	Listeners      []ListenerSpec
	IdleTimeout    time.Duration
	TotalTimeout   time.Duration
	LogTransaction bool
	GracePeriod    time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	TLSMinVersion  uint16
	Admission      AdmissionGate
	OnBusy         BusyResponder
}

// Server coordinates multiple listeners sharing one TLS configuration and
// one admission gate. It is shared infrastructure between the SMTP and
// POP3 server engines.
type Server struct {
	cfg       ServerConfig
	tlsConfig *tls.Config
	logger    *slog.Logger
	handler   ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig, handler ConnectionHandler) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}

		minVersion := cfg.TLSMinVersion
		if minVersion == 0 {
			minVersion = tls.VersionTLS12
		}

		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   minVersion,
		}
		logger.Info("TLS configured", slog.String("cert", cfg.TLSCertFile))
	}

	return s, nil
}

// Run starts all configured listeners and blocks until the context is
// cancelled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	for _, spec := range s.cfg.Listeners {
		var tlsCfg *tls.Config
		if spec.Mode == ModeImplicitTLS {
			if s.tlsConfig == nil {
				s.mu.Unlock()
				return fmt.Errorf("listener %s: implicit TLS mode requires a certificate", spec.Address)
			}
			tlsCfg = s.tlsConfig
		} else if s.tlsConfig != nil {
			// make TLS available for STARTTLS/STLS on plaintext listeners
			tlsCfg = s.tlsConfig
		}

		listener := NewListener(ListenerConfig{
			Address:   spec.Address,
			Mode:      spec.Mode,
			TLSConfig: tlsCfg,
			ConnConfig: ConnectionConfig{
				IdleTimeout:    s.cfg.IdleTimeout,
				TotalTimeout:   s.cfg.TotalTimeout,
				LogTransaction: s.cfg.LogTransaction,
				Logger:         s.logger,
			},
			Handler:     s.handler,
			Admission:   s.cfg.Admission,
			OnBusy:      s.cfg.OnBusy,
			Logger:      s.logger,
			GracePeriod: s.cfg.GracePeriod,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()
	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown closes all listeners, triggering their grace-period shutdown.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config { return s.tlsConfig }
