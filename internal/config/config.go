// Package config provides TOML configuration loading for the smtpd and
// pop3d composition roots, parsed with github.com/pelletier/go-toml/v2.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/infodancer/mailcore/internal/session"
)

// ListenerMode defines the operational TLS mode for a listener.
type ListenerMode string

const (
	// ModePlain is a plaintext listener; STARTTLS/STLS may upgrade it.
	ModePlain ListenerMode = "plain"
	// ModeImplicitTLS wraps every connection in TLS before the protocol
	// greeting (SMTPS/POP3S).
	ModeImplicitTLS ListenerMode = "implicit_tls"
)

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
	// RequireAuth marks a submission-style listener in the config file.
	// cmd/smtpd does not read it: MAIL FROM is gated only by
	// smtp.SessionConfig.AuthRequired, which cmd/smtpd leaves false.
	RequireAuth bool `toml:"require_auth"`
}

// SessionMode translates the config-file TLS mode into the protocol-
// agnostic session.Mode the shared Session Runtime understands.
func (m ListenerMode) SessionMode() session.Mode {
	if m == ModeImplicitTLS {
		return session.ModeImplicitTLS
	}
	return session.ModePlain
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// TimeoutsConfig defines timeout durations (spec.md §5).
type TimeoutsConfig struct {
	Idle        string `toml:"idle"`
	Total       string `toml:"total"`
	GracePeriod string `toml:"grace_period"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *TimeoutsConfig) IdleTimeout() time.Duration  { return parseDurationOr(c.Idle, 2*time.Minute) }
func (c *TimeoutsConfig) TotalTimeout() time.Duration { return parseDurationOr(c.Total, 10*time.Minute) }
func (c *TimeoutsConfig) Grace() time.Duration        { return parseDurationOr(c.GracePeriod, 10*time.Second) }

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// StoreConfig locates the durable store (DS) database and the content
// manager (CM) file tree.
type StoreConfig struct {
	DatabasePath string `toml:"database_path"`
	ContentPath  string `toml:"content_path"`
}

// AdmissionConfig configures the bounded connection gate.
type AdmissionConfig struct {
	MaxConnections int           `toml:"max_connections"`
	RedisAddress   string        `toml:"redis_address"`
	RedisKey       string        `toml:"redis_key"`
	RedisTTL       string        `toml:"redis_ttl"`
}

func (c *AdmissionConfig) RedisTTLDuration() time.Duration {
	return parseDurationOr(c.RedisTTL, 30*time.Second)
}

// CoordinatorConfig configures the POP3 session coordinator.
type CoordinatorConfig struct {
	Address string `toml:"address"`
	TTL     string `toml:"ttl"`
}

func (c *CoordinatorConfig) Enabled() bool { return c.Address != "" }
func (c *CoordinatorConfig) TTLDuration() time.Duration {
	return parseDurationOr(c.TTL, time.Minute)
}

// LimitsConfig defines resource limits enforced by the SMTP engine.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// SMTPConfig is the complete smtpd configuration.
type SMTPConfig struct {
	Hostname    string           `toml:"hostname"`
	LogLevel    string           `toml:"log_level"`
	Listeners   []ListenerConfig `toml:"listeners"`
	TLS         TLSConfig        `toml:"tls"`
	Limits      LimitsConfig     `toml:"limits"`
	Timeouts    TimeoutsConfig   `toml:"timeouts"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Store       StoreConfig      `toml:"store"`
	Admission   AdmissionConfig  `toml:"admission"`
}

// DefaultSMTPConfig returns a SMTPConfig with sensible default values.
func DefaultSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":25", Mode: ModePlain},
			{Address: ":587", Mode: ModePlain, RequireAuth: true},
		},
		TLS: TLSConfig{MinVersion: "1.2"},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{Idle: "2m", Total: "10m", GracePeriod: "10s"},
		Metrics:  MetricsConfig{Enabled: false, Address: ":9100", Path: "/metrics"},
		Store:    StoreConfig{DatabasePath: "/var/lib/mailcore/mailcore.db", ContentPath: "/var/lib/mailcore/content"},
		Admission: AdmissionConfig{MaxConnections: 512},
	}
}

// Validate checks that the SMTP configuration is valid.
func (c *SMTPConfig) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if l.Mode != ModePlain && l.Mode != ModeImplicitTLS {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}
	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}
	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	if c.Store.DatabasePath == "" {
		return errors.New("store.database_path is required")
	}
	if c.Store.ContentPath == "" {
		return errors.New("store.content_path is required")
	}
	return nil
}

// POP3Config is the complete pop3d configuration.
type POP3Config struct {
	Hostname    string           `toml:"hostname"`
	LogLevel    string           `toml:"log_level"`
	Listeners   []ListenerConfig `toml:"listeners"`
	TLS         TLSConfig        `toml:"tls"`
	Timeouts    TimeoutsConfig   `toml:"timeouts"`
	Metrics     MetricsConfig    `toml:"metrics"`
	Store       StoreConfig      `toml:"store"`
	Admission   AdmissionConfig  `toml:"admission"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	EnableAPOP  bool             `toml:"enable_apop"`
}

// DefaultPOP3Config returns a POP3Config with sensible default values.
func DefaultPOP3Config() POP3Config {
	return POP3Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":110", Mode: ModePlain},
			{Address: ":995", Mode: ModeImplicitTLS},
		},
		TLS:       TLSConfig{MinVersion: "1.2"},
		Timeouts:  TimeoutsConfig{Idle: "10m", Total: "30m", GracePeriod: "10s"},
		Metrics:   MetricsConfig{Enabled: false, Address: ":9101", Path: "/metrics"},
		Store:     StoreConfig{DatabasePath: "/var/lib/mailcore/mailcore.db", ContentPath: "/var/lib/mailcore/content"},
		Admission: AdmissionConfig{MaxConnections: 256},
	}
}

// Validate checks that the POP3 configuration is valid.
func (c *POP3Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if l.Mode != ModePlain && l.Mode != ModeImplicitTLS {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
	}
	if c.Store.DatabasePath == "" {
		return errors.New("store.database_path is required")
	}
	if c.Store.ContentPath == "" {
		return errors.New("store.content_path is required")
	}
	return nil
}
