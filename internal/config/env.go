package config

import "os"

// ApplySMTPEnv applies environment variable overrides to an SMTPConfig.
// Environment variables take precedence over TOML config but are
// overridden by command-line flags.
func ApplySMTPEnv(cfg SMTPConfig) SMTPConfig {
	if v := os.Getenv("SMTPD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SMTPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SMTPD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("SMTPD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("SMTPD_STORE_DATABASE_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
	if v := os.Getenv("SMTPD_STORE_CONTENT_PATH"); v != "" {
		cfg.Store.ContentPath = v
	}
	return cfg
}

// ApplyPOP3Env applies environment variable overrides to a POP3Config.
func ApplyPOP3Env(cfg POP3Config) POP3Config {
	if v := os.Getenv("POP3D_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("POP3D_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("POP3D_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("POP3D_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("POP3D_STORE_DATABASE_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
	if v := os.Getenv("POP3D_STORE_CONTENT_PATH"); v != "" {
		cfg.Store.ContentPath = v
	}
	return cfg
}
