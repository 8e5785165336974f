package config

import (
	"time"

	"github.com/migadu/smtpd/helpers"
)

// RelayConfig defines the next hop for outbound mail and generated notices.
type RelayConfig struct {
	Host        string     `toml:"host"`         // next hop address (e.g., "smtp.example.com:587")
	UseTLS      bool       `toml:"use_tls"`      // implicit TLS
	UseStartTLS bool       `toml:"use_starttls"` // STARTTLS upgrade (ignored when use_tls is set)
	TLSVerify   bool       `toml:"tls_verify"`   // verify the next hop certificate
	HeloName    string     `toml:"helo_name"`    // defaults to smtp.hostname
	DailyLimit  int64      `toml:"daily_limit"`  // default per-user daily send limit
	DKIM        DKIMConfig `toml:"dkim"`         // organisation signing
	Timeout     string     `toml:"timeout"`      // per-relay-attempt timeout
	BreakerOpen string     `toml:"breaker_open"` // how long the circuit stays open

	Queue RelayQueueConfig `toml:"queue"`
}

// RelayQueueConfig holds the disk-based notice queue settings.
type RelayQueueConfig struct {
	Path        string `toml:"path"`
	Interval    string `toml:"interval"`
	BatchSize   int    `toml:"batch_size"`
	MaxAttempts int    `toml:"max_attempts"`
}

// IsConfigured returns true if a next hop is set.
func (r *RelayConfig) IsConfigured() bool {
	return r.Host != ""
}

// GetTimeout parses the relay attempt timeout.
func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

// GetBreakerOpen parses the circuit breaker open period.
func (r *RelayConfig) GetBreakerOpen() (time.Duration, error) {
	if r.BreakerOpen == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.BreakerOpen)
}

// GetInterval parses how often the queue worker wakes up.
func (q *RelayQueueConfig) GetInterval() (time.Duration, error) {
	if q.Interval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.Interval)
}

// GetMaxAttempts returns the delivery attempts before an item is parked.
func (q *RelayQueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 8
	}
	return q.MaxAttempts
}

// GetBatchSize returns how many items one worker pass handles.
func (q *RelayQueueConfig) GetBatchSize() int {
	if q.BatchSize <= 0 {
		return 50
	}
	return q.BatchSize
}
