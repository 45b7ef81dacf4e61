// Command smtpd is the SMTP composition root: it wires the Durable Store,
// Content Manager, Auth Module, and bounded admission gate into the SMTP
// Server Engine and runs the shared Session Runtime until signalled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/mailcore/internal/admission"
	"github.com/infodancer/mailcore/internal/authmod"
	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/content"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/session"
	"github.com/infodancer/mailcore/internal/smtp"
	"github.com/infodancer/mailcore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	flags := config.ParseFlags("/etc/mailcore/mailcore.toml")

	cfg, err := config.LoadSMTPWithFlags(flags)
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

	var collector metrics.Collector = &metrics.NoopCollector{}
	var metricsServer metrics.Server = &metrics.NoopServer{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer = metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
	}

	sessionCfg := smtp.DefaultSessionConfig()
	sessionCfg.MaxRecipients = cfg.Limits.MaxRecipients
	sessionCfg.MaxMessageSize = int64(cfg.Limits.MaxMessageSize)

	handler := smtp.Handler(smtp.HandlerConfig{
		Hostname:  cfg.Hostname,
		Collector: collector,
		Store:     ds,
		Content:   cm,
		AuthAgent: authModule,
		Session:   sessionCfg,
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

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
