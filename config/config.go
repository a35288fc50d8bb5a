// Package config holds the shared configuration structs for the tern
// delivery-routing core. Configuration is loaded once at startup from TOML
// and shared immutably by reference; no transaction may mutate it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/tern/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. A single host is typical for the write
	// endpoint; multiple hosts are common for read replica load balancing.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`         // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for all database queries (default: "30s")
	Write        *DatabaseEndpointConfig `toml:"write"`         // Write database configuration
	Read         *DatabaseEndpointConfig `toml:"read"`          // Read database configuration
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ProvisioningConfig controls automatic account creation for unknown
// recipients. When disabled, unknown recipients are rejected permanently.
type ProvisioningConfig struct {
	Enabled            bool     `toml:"enabled"`
	AllowedDomains     []string `toml:"allowed_domains"`      // Domains eligible for auto-provisioning; "*" admits all
	UsernameHashLength int      `toml:"username_hash_length"` // Encoded length of derived usernames (default: 16)
}

// DomainAllowed reports whether the domain may be auto-provisioned.
// A wildcard entry ("*") admits all domains.
func (p *ProvisioningConfig) DomainAllowed(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range p.AllowedDomains {
		if d == "*" || strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// GetUsernameHashLength returns the configured encoded username length.
func (p *ProvisioningConfig) GetUsernameHashLength() int {
	if p.UsernameHashLength <= 0 {
		return 16
	}
	return p.UsernameHashLength
}

// RateLimitEntry configures one rate-limit purpose. A purpose without an
// entry is never limited. Window falls back to LimitsConfig.DefaultWindow.
type RateLimitEntry struct {
	Purpose string `toml:"purpose"` // e.g. "rcpt", "forward"
	Limit   int    `toml:"limit"`
	Window  string `toml:"window"`
}

// LimitsConfig holds per-account resource defaults and the rate-limit table.
type LimitsConfig struct {
	DefaultQuota       int64            `toml:"default_quota"`        // Bytes; applied when the account has no quota set
	DefaultMaxForwards int              `toml:"default_max_forwards"` // Forward fan-out budget per alias owner
	DefaultWindow      string           `toml:"default_window"`       // Global default rate-limit window (default: "1h")
	Rate               []RateLimitEntry `toml:"rate"`
}

// GetDefaultWindow parses the global default rate-limit window.
func (l *LimitsConfig) GetDefaultWindow() (time.Duration, error) {
	if l.DefaultWindow == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(l.DefaultWindow)
}

// GetDefaultQuota returns the fallback storage quota in bytes.
func (l *LimitsConfig) GetDefaultQuota() int64 {
	if l.DefaultQuota <= 0 {
		return 1 << 30 // 1 GiB
	}
	return l.DefaultQuota
}

// GetDefaultMaxForwards returns the fallback forward budget.
func (l *LimitsConfig) GetDefaultMaxForwards() int {
	if l.DefaultMaxForwards <= 0 {
		return 100
	}
	return l.DefaultMaxForwards
}

// LimitFor returns the limit and window configured for a purpose. The second
// return value is false when the purpose has no entry, meaning unlimited.
func (l *LimitsConfig) LimitFor(purpose string) (int, time.Duration, bool) {
	for _, e := range l.Rate {
		if e.Purpose != purpose {
			continue
		}
		window, err := l.GetDefaultWindow()
		if err != nil {
			window = time.Hour
		}
		if e.Window != "" {
			if w, err := helpers.ParseDuration(e.Window); err == nil {
				window = w
			}
		}
		return e.Limit, window, true
	}
	return 0, 0, false
}

// ForwardQueueConfig holds the disk-based forward queue configuration.
type ForwardQueueConfig struct {
	Path           string   `toml:"path"`            // Base path for queue storage (e.g. "/var/spool/tern/forward")
	WorkerInterval string   `toml:"worker_interval"` // How often the worker drains the queue (e.g. "1m")
	BatchSize      int      `toml:"batch_size"`      // Number of dispatches to process per worker cycle
	Concurrency    int      `toml:"concurrency"`     // Concurrent dispatch sends per cycle
	MaxAttempts    int      `toml:"max_attempts"`    // Maximum delivery attempts before quarantine
	RetryBackoff   []string `toml:"retry_backoff"`   // Backoff durations between retries
}

// GetWorkerInterval parses the worker wake interval.
func (q *ForwardQueueConfig) GetWorkerInterval() (time.Duration, error) {
	if q.WorkerInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(q.WorkerInterval)
}

// GetRetryBackoff parses the retry backoff schedule.
func (q *ForwardQueueConfig) GetRetryBackoff() ([]time.Duration, error) {
	if len(q.RetryBackoff) == 0 {
		return []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		}, nil
	}
	backoff := make([]time.Duration, 0, len(q.RetryBackoff))
	for _, s := range q.RetryBackoff {
		d, err := helpers.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid retry_backoff entry %q: %w", s, err)
		}
		backoff = append(backoff, d)
	}
	return backoff, nil
}

// ForwardConfig holds the outbound forward transport configuration. Zone and
// collection are passed opaquely to the transport collaborator.
type ForwardConfig struct {
	OriginTag      string             `toml:"origin_tag"` // Tag recorded on dispatch records (default: hostname)
	Zone           string             `toml:"zone"`
	Collection     string             `toml:"collection"`
	RelayAddr      string             `toml:"relay_addr"`      // host:port of the outbound SMTP relay
	RelayStartTLS  bool               `toml:"relay_starttls"`  // Negotiate STARTTLS with the relay
	RelayTLSVerify bool               `toml:"relay_tlsverify"` // Verify the relay certificate
	HTTPURL        string             `toml:"http_url"`        // Default endpoint for http-kind forward targets
	AuthToken      string             `toml:"auth_token"`      // Bearer token for HTTP forwards
	Queue          ForwardQueueConfig `toml:"queue"`
}

// FilterConfig holds the content-filter collaborator configuration. Header
// checks are passed through to the filter engine without interpretation.
type FilterConfig struct {
	DefaultScriptPath string            `toml:"default_script_path"`
	HeaderChecks      map[string]string `toml:"header_checks"`
}

// SRSConfig configures reversal of bounce-redirect (SRS) addresses.
type SRSConfig struct {
	Secret string `toml:"secret"`
	MaxAge string `toml:"max_age"` // Validity window for SRS timestamps (default: "504h" / 21 days)
}

// GetMaxAge parses the SRS timestamp validity window.
func (s *SRSConfig) GetMaxAge() (time.Duration, error) {
	if s.MaxAge == "" {
		return 21 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.MaxAge)
}
