package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values shared by smtpd and pop3d.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Listen         string
	TLSCert        string
	TLSKey         string
	MaxMessageSize int
	MaxRecipients  int
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags(defaultConfigPath string) *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", defaultConfigPath, "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes (smtpd only)")
	flag.IntVar(&f.MaxRecipients, "max-recipients", 0, "Maximum recipients per message (smtpd only)")

	flag.Parse()
	return f
}

// LoadSMTP parses a TOML configuration file under the top-level [smtpd]
// table and returns a SMTPConfig. If the file does not exist, returns the
// default configuration.
func LoadSMTP(path string) (SMTPConfig, error) {
	cfg := DefaultSMTPConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var file struct {
		SMTP SMTPConfig `toml:"smtpd"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeSMTP(cfg, file.SMTP), nil
}

// LoadPOP3 parses a TOML configuration file under the top-level [pop3d]
// table and returns a POP3Config. If the file does not exist, returns the
// default configuration.
func LoadPOP3(path string) (POP3Config, error) {
	cfg := DefaultPOP3Config()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var file struct {
		POP3 POP3Config `toml:"pop3d"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergePOP3(cfg, file.POP3), nil
}

// ApplySMTPFlags merges command-line flag values into cfg.
func ApplySMTPFlags(cfg SMTPConfig, f *Flags) SMTPConfig {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Listen != "" {
		cfg.Listeners = []ListenerConfig{{Address: f.Listen, Mode: ModePlain}}
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}
	if f.MaxRecipients > 0 {
		cfg.Limits.MaxRecipients = f.MaxRecipients
	}
	return cfg
}

// ApplyPOP3Flags merges command-line flag values into cfg.
func ApplyPOP3Flags(cfg POP3Config, f *Flags) POP3Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Listen != "" {
		cfg.Listeners = []ListenerConfig{{Address: f.Listen, Mode: ModePlain}}
	}
	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}
	return cfg
}

// LoadSMTPWithFlags loads the smtpd config from flags.ConfigPath, then
// applies environment variable overrides and flag overrides. Precedence
// (highest to lowest): flags > environment variables > TOML config >
// defaults.
func LoadSMTPWithFlags(f *Flags) (SMTPConfig, error) {
	cfg, err := LoadSMTP(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplySMTPEnv(cfg)
	return ApplySMTPFlags(cfg, f), nil
}

// LoadPOP3WithFlags loads the pop3d config from flags.ConfigPath, then
// applies environment variable overrides and flag overrides.
func LoadPOP3WithFlags(f *Flags) (POP3Config, error) {
	cfg, err := LoadPOP3(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyPOP3Env(cfg)
	return ApplyPOP3Flags(cfg, f), nil
}

func mergeSMTP(dst, src SMTPConfig) SMTPConfig {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}
	if src.Limits.MaxRecipients > 0 {
		dst.Limits.MaxRecipients = src.Limits.MaxRecipients
	}
	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}
	if src.Timeouts.Total != "" {
		dst.Timeouts.Total = src.Timeouts.Total
	}
	if src.Timeouts.GracePeriod != "" {
		dst.Timeouts.GracePeriod = src.Timeouts.GracePeriod
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.Store.DatabasePath != "" {
		dst.Store.DatabasePath = src.Store.DatabasePath
	}
	if src.Store.ContentPath != "" {
		dst.Store.ContentPath = src.Store.ContentPath
	}
	if src.Admission.MaxConnections > 0 {
		dst.Admission.MaxConnections = src.Admission.MaxConnections
	}
	if src.Admission.RedisAddress != "" {
		dst.Admission.RedisAddress = src.Admission.RedisAddress
	}
	return dst
}

func mergePOP3(dst, src POP3Config) POP3Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}
	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}
	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}
	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}
	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}
	if src.Timeouts.Total != "" {
		dst.Timeouts.Total = src.Timeouts.Total
	}
	if src.Timeouts.GracePeriod != "" {
		dst.Timeouts.GracePeriod = src.Timeouts.GracePeriod
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.Store.DatabasePath != "" {
		dst.Store.DatabasePath = src.Store.DatabasePath
	}
	if src.Store.ContentPath != "" {
		dst.Store.ContentPath = src.Store.ContentPath
	}
	if src.Admission.MaxConnections > 0 {
		dst.Admission.MaxConnections = src.Admission.MaxConnections
	}
	if src.Coordinator.Address != "" {
		dst.Coordinator.Address = src.Coordinator.Address
	}
	if src.EnableAPOP {
		dst.EnableAPOP = src.EnableAPOP
	}
	return dst
}
