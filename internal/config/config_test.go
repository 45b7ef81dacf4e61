package config

import (
	"testing"
)

func TestDefaultSMTPConfig(t *testing.T) {
	cfg := DefaultSMTPConfig()

	if cfg.Hostname != "localhost" {
		t.Errorf("expected hostname 'localhost', got %q", cfg.Hostname)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log_level 'info', got %q", cfg.LogLevel)
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Address != ":25" {
		t.Errorf("expected listener address ':25', got %q", cfg.Listeners[0].Address)
	}
	if cfg.Listeners[0].Mode != ModePlain {
		t.Errorf("expected listener mode 'plain', got %q", cfg.Listeners[0].Mode)
	}
	if !cfg.Listeners[1].RequireAuth {
		t.Errorf("expected submission listener to require auth")
	}
	if cfg.Limits.MaxMessageSize != 26214400 {
		t.Errorf("expected max_message_size 26214400, got %d", cfg.Limits.MaxMessageSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestSMTPConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SMTPConfig)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *SMTPConfig) {}, wantErr: false},
		{name: "missing hostname", modify: func(c *SMTPConfig) { c.Hostname = "" }, wantErr: true},
		{name: "no listeners", modify: func(c *SMTPConfig) { c.Listeners = nil }, wantErr: true},
		{name: "listener missing address", modify: func(c *SMTPConfig) { c.Listeners[0].Address = "" }, wantErr: true},
		{name: "invalid listener mode", modify: func(c *SMTPConfig) { c.Listeners[0].Mode = "bogus" }, wantErr: true},
		{name: "zero max message size", modify: func(c *SMTPConfig) { c.Limits.MaxMessageSize = 0 }, wantErr: true},
		{name: "zero max recipients", modify: func(c *SMTPConfig) { c.Limits.MaxRecipients = 0 }, wantErr: true},
		{name: "invalid tls min version", modify: func(c *SMTPConfig) { c.TLS.MinVersion = "9.9" }, wantErr: true},
		{
			name: "metrics enabled without address",
			modify: func(c *SMTPConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: true,
		},
		{name: "missing database path", modify: func(c *SMTPConfig) { c.Store.DatabasePath = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSMTPConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPOP3Config(t *testing.T) {
	cfg := DefaultPOP3Config()

	if len(cfg.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(cfg.Listeners))
	}
	if cfg.Listeners[1].Mode != ModeImplicitTLS {
		t.Errorf("expected second listener to be implicit_tls (POP3S), got %q", cfg.Listeners[1].Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestPOP3ConfigValidate(t *testing.T) {
	cfg := DefaultPOP3Config()
	cfg.Listeners = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for no listeners")
	}
}

func TestTimeoutsConfigDefaults(t *testing.T) {
	var tc TimeoutsConfig
	if tc.IdleTimeout() <= 0 {
		t.Error("expected a positive default idle timeout")
	}
	if tc.TotalTimeout() <= 0 {
		t.Error("expected a positive default total timeout")
	}
	if tc.Grace() <= 0 {
		t.Error("expected a positive default grace period")
	}
}

func TestAdmissionConfigRedisTTLDefault(t *testing.T) {
	var ac AdmissionConfig
	if ac.RedisTTLDuration() <= 0 {
		t.Error("expected a positive default redis TTL")
	}
}
