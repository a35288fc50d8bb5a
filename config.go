package main

import (
	"github.com/migadu/tern/config"
	"github.com/migadu/tern/helpers"
)

// LMTPServerConfig holds the ingress LMTP listener configuration.
type LMTPServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	TLS            bool   `toml:"tls"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	TLSVerify      bool   `toml:"tls_verify"`
	MaxMessageSize string `toml:"max_message_size"`
}

// GetMaxMessageSize parses the per-message size cap.
func (c *LMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if c.MaxMessageSize == "" {
		c.MaxMessageSize = "50mb"
	}
	return helpers.ParseSize(c.MaxMessageSize)
}

// MetricsServerConfig holds the Prometheus scrape endpoint configuration.
type MetricsServerConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
	Path  string `toml:"path"`
}

// ServersConfig holds all server configurations.
type ServersConfig struct {
	Debug   bool                `toml:"debug"`
	LMTP    LMTPServerConfig    `toml:"lmtp"`
	Metrics MetricsServerConfig `toml:"metrics"`
}

// Config holds all configuration for the application.
type Config struct {
	Hostname     string                    `toml:"hostname"` // Overrides os.Hostname for greeting and dispatch records
	Logging      config.LoggingConfig      `toml:"logging"`
	Database     config.DatabaseConfig     `toml:"database"`
	Servers      ServersConfig             `toml:"servers"`
	Provisioning config.ProvisioningConfig `toml:"provisioning"`
	Limits       config.LimitsConfig       `toml:"limits"`
	Forward      config.ForwardConfig      `toml:"forward"`
	Filter       config.FilterConfig       `toml:"filter"`
	SRS          config.SRSConfig          `toml:"srs"`
}

// newDefaultConfig creates a Config struct with default values.
func newDefaultConfig() Config {
	return Config{
		Logging: config.LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: config.DatabaseConfig{
			Write: &config.DatabaseEndpointConfig{
				Hosts: []string{"localhost"},
				Port:  "5432",
				User:  "postgres",
				Name:  "tern_mail_db",
			},
		},
		Servers: ServersConfig{
			LMTP: LMTPServerConfig{
				Start:          true,
				Addr:           ":24",
				TLSVerify:      true,
				MaxMessageSize: "50mb",
			},
			Metrics: MetricsServerConfig{
				Start: false,
				Addr:  ":9090",
				Path:  "/metrics",
			},
		},
		Limits: config.LimitsConfig{
			DefaultWindow: "1h",
			Rate: []config.RateLimitEntry{
				{Purpose: "rcpt", Limit: 1000},
				{Purpose: "forward", Limit: 100},
			},
		},
		Forward: config.ForwardConfig{
			RelayStartTLS:  true,
			RelayTLSVerify: true,
			Queue: config.ForwardQueueConfig{
				Path: "/var/spool/tern/forward",
			},
		},
	}
}
