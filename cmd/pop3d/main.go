// Command pop3d is the POP3 composition root: it wires the Durable Store,
// Content Manager, Auth Module, mailbox Coordinator, and bounded admission
// gate into the POP3 Server Engine and runs the shared Session Runtime
// until signalled to stop.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailcore/internal/admission"
	"github.com/infodancer/mailcore/internal/authmod"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/content"
	"github.com/infodancer/mailcore/internal/coordinator"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/pop3"
	"github.com/infodancer/mailcore/internal/session"
	"github.com/infodancer/mailcore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	flags := config.ParseFlags("/etc/mailcore/mailcore.toml")

	cfg, err := config.LoadPOP3WithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ds, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening durable store: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			logger.Error("error closing durable store", "error", err)
		}
	}()

	cm, err := content.New(cfg.Store.ContentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening content manager: %v\n", err)
		os.Exit(1)
	}

	authModule := authmod.New(ds)

	var coord coordinator.Coordinator
	if cfg.Coordinator.Enabled() {
		coord, err = coordinator.NewRemote(cfg.Coordinator.Address, cfg.Hostname, cfg.Coordinator.TTLDuration())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error dialing session-manager: %v\n", err)
			os.Exit(1)
		}
		logger.Info("mailbox coordinator: remote", "address", cfg.Coordinator.Address)
	} else {
		coord = coordinator.NewLocal()
		logger.Info("mailbox coordinator: local in-process")
	}
	mailboxStore := newLockedStore(ds, coord)

	var collector metrics.Collector = &metrics.NoopCollector{}
	var metricsServer metrics.Server = &metrics.NoopServer{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer = metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
	}

	var stlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		stlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
	}

	handler := pop3.Handler(pop3.HandlerConfig{
		Hostname:     cfg.Hostname,
		Mode:         config.ModePlain,
		Collector:    collector,
		Store:        mailboxStore,
		Content:      cm,
		AuthProvider: authModule,
		TLSConfig:    stlsConfig,
		EnableAPOP:   cfg.EnableAPOP,
	})

	var shared admission.SharedCounter
	if cfg.Admission.RedisAddress != "" {
		shared = admission.NewRedisCounter(
			redis.NewClient(&redis.Options{Addr: cfg.Admission.RedisAddress}),
			cfg.Admission.RedisKey,
			int64(cfg.Admission.MaxConnections),
			cfg.Admission.RedisTTLDuration(),
		)
	}
	gate := admission.New(cfg.Admission.MaxConnections, shared)

	listeners := make([]session.ListenerSpec, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		listeners[i] = session.ListenerSpec{Address: l.Address, Mode: l.Mode.SessionMode()}
	}

	srv, err := session.New(session.ServerConfig{
		Hostname:      cfg.Hostname,
		LogLevel:      cfg.LogLevel,
		Listeners:     listeners,
		IdleTimeout:   cfg.Timeouts.IdleTimeout(),
		TotalTimeout:  cfg.Timeouts.TotalTimeout(),
		GracePeriod:   cfg.Timeouts.Grace(),
		TLSCertFile:   cfg.TLS.CertFile,
		TLSKeyFile:    cfg.TLS.KeyFile,
		TLSMinVersion: cfg.TLS.MinTLSVersion(),
		Admission:     gate,
	}, handler)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting pop3d", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
