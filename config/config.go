package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/smtpd/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	QueryTimeout    string `toml:"query_timeout"`
	AutoMigrate     bool   `toml:"auto_migrate"`
}

// DSN builds a pgx connection string.
func (d *DatabaseConfig) DSN() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		d.User, d.Password, net.JoinHostPort(d.Host, fmt.Sprint(d.Port)), d.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// RedisConfig points at the shared cache holding checkpoints and counters.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"`
}

// StorageConfig selects where message blobs live.
type StorageConfig struct {
	Backend string   `toml:"backend"` // "fs" or "s3"
	Path    string   `toml:"path"`    // root directory for the fs backend
	S3      S3Config `toml:"s3"`
}

// LockConfig selects the advisory lock backend for mailbox mutations.
type LockConfig struct {
	Backend string `toml:"backend"` // "postgres" or "redis"
	Timeout string `toml:"timeout"` // how long to wait for a mailbox lock
	TTL     string `toml:"ttl"`     // redis lock expiry
}

// GetTimeout parses the lock acquisition timeout.
func (l *LockConfig) GetTimeout() (time.Duration, error) {
	if l.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(l.Timeout)
}

// GetTTL parses the redis lock expiry.
func (l *LockConfig) GetTTL() (time.Duration, error) {
	if l.TTL == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(l.TTL)
}

// SMTPServerConfig configures the listener and session limits.
type SMTPServerConfig struct {
	Addr                string   `toml:"addr"`
	Hostname            string   `toml:"hostname"`
	MaxConnections      int      `toml:"max_connections"`
	MaxConnectionsPerIP int      `toml:"max_connections_per_ip"`
	MaxRecipients       int      `toml:"max_recipients"`
	MaxHops             int      `toml:"max_hops"`
	MaxMessageSize      string   `toml:"max_message_size"`
	ReadTimeout         string   `toml:"read_timeout"`
	WriteTimeout        string   `toml:"write_timeout"`
	TLSCertFile         string   `toml:"tls_cert_file"`
	TLSKeyFile          string   `toml:"tls_key_file"`
	ImplicitTLS         bool     `toml:"implicit_tls"`
	AllowInsecureAuth   bool     `toml:"allow_insecure_auth"`
	TrustedNetworks     []string `toml:"trusted_networks"`
	TrustedDomains      []string `toml:"trusted_domains"`
	TrustedRefresh      string   `toml:"trusted_refresh"`
}

// GetMaxMessageSize parses sizes such as "25MB" or plain byte counts.
func (s *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return 25 * 1024 * 1024, nil
	}
	return ParseSize(s.MaxMessageSize)
}

// GetReadTimeout parses the per-command read timeout.
func (s *SMTPServerConfig) GetReadTimeout() (time.Duration, error) {
	if s.ReadTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.ReadTimeout)
}

// GetWriteTimeout parses the per-response write timeout.
func (s *SMTPServerConfig) GetWriteTimeout() (time.Duration, error) {
	if s.WriteTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(s.WriteTimeout)
}

// GetTrustedRefresh parses how often the trusted domain table is reloaded.
func (s *SMTPServerConfig) GetTrustedRefresh() (time.Duration, error) {
	if s.TrustedRefresh == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.TrustedRefresh)
}

// PolicyConfig configures verdict collaborators and rollout paging.
type PolicyConfig struct {
	CheckTimeout    string   `toml:"check_timeout"`
	RolloutPageSize int      `toml:"rollout_page_size"`
	ClamdAddr       string   `toml:"clamd_addr"`
	RBLZones        []string `toml:"rbl_zones"`
	SpamHeader      string   `toml:"spam_header"`
	SpamThreshold   float64  `toml:"spam_threshold"` // score at or above which a numeric header means spam
	SPF             bool     `toml:"spf"`
	DKIM            bool     `toml:"dkim"`
	AutoReplyPrefix string   `toml:"auto_reply_prefix"`
}

// GetCheckTimeout parses the per-collaborator timeout.
func (p *PolicyConfig) GetCheckTimeout() (time.Duration, error) {
	if p.CheckTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(p.CheckTimeout)
}

// GetRolloutPageSize returns the number of messages fetched per eviction page.
func (p *PolicyConfig) GetRolloutPageSize() int {
	if p.RolloutPageSize <= 0 {
		return 64
	}
	return p.RolloutPageSize
}

// GetAutoReplyPrefix returns the subject prefix of automatic replies.
func (p *PolicyConfig) GetAutoReplyPrefix() string {
	if p.AutoReplyPrefix == "" {
		return "Auto: "
	}
	return p.AutoReplyPrefix
}

// DKIMConfig enables organisation signing of outbound mail.
type DKIMConfig struct {
	Domain   string `toml:"domain"`
	Selector string `toml:"selector"`
	KeyFile  string `toml:"key_file"`
}

// Enabled reports whether signing is configured.
func (d *DKIMConfig) Enabled() bool {
	return d.Domain != "" && d.Selector != "" && d.KeyFile != ""
}

// CleanupConfig configures the orphan blob sweeper.
type CleanupConfig struct {
	Interval    string `toml:"interval"`
	GracePeriod string `toml:"grace_period"`
}

// GetInterval parses the sweep interval.
func (c *CleanupConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetGracePeriod parses how old an orphan must be before it is removed.
func (c *CleanupConfig) GetGracePeriod() (time.Duration, error) {
	if c.GracePeriod == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.GracePeriod)
}

// HTTPAPIConfig configures the metrics and administration endpoint.
type HTTPAPIConfig struct {
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // addresses or CIDRs; empty allows all
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig    `toml:"logging"`
	Database DatabaseConfig   `toml:"database"`
	Redis    RedisConfig      `toml:"redis"`
	Storage  StorageConfig    `toml:"storage"`
	Lock     LockConfig       `toml:"lock"`
	SMTP     SMTPServerConfig `toml:"smtp"`
	Policy   PolicyConfig     `toml:"policy"`
	Relay    RelayConfig      `toml:"relay"`
	Cleanup  CleanupConfig    `toml:"cleanup"`
	HTTPAPI  HTTPAPIConfig    `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			Name:         "smtpd",
			MaxConns:     50,
			MinConns:     5,
			QueryTimeout: "30s",
			AutoMigrate:  true,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Storage: StorageConfig{
			Backend: "fs",
			Path:    "/var/lib/smtpd/blobs",
		},
		Lock: LockConfig{
			Backend: "postgres",
			Timeout: "10s",
			TTL:     "2m",
		},
		SMTP: SMTPServerConfig{
			Addr:            ":25",
			Hostname:        "localhost",
			MaxConnections:  1000,
			MaxRecipients:   100,
			MaxHops:         50,
			MaxMessageSize:  "25MB",
			ReadTimeout:     "5m",
			WriteTimeout:    "1m",
			TrustedNetworks: []string{"127.0.0.0/8", "::1/128"},
		},
		Policy: PolicyConfig{
			CheckTimeout:    "10s",
			RolloutPageSize: 64,
			SpamHeader:      "X-Spam-Flag",
			SpamThreshold:   5,
			SPF:             true,
			DKIM:            true,
		},
		Relay: RelayConfig{
			UseStartTLS: true,
			TLSVerify:   true,
			Queue: RelayQueueConfig{
				Path:        "/var/spool/smtpd/queue",
				Interval:    "30s",
				MaxAttempts: 8,
				BatchSize:   50,
			},
		},
		Cleanup: CleanupConfig{
			Interval:    "1h",
			GracePeriod: "24h",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:8025",
		},
	}
}

// LoadConfigFromFile decodes configPath over cfg. Unknown keys are reported
// but not fatal.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	return nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Lock.Backend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if (c.SMTP.TLSCertFile == "") != (c.SMTP.TLSKeyFile == "") {
		return fmt.Errorf("smtp.tls_cert_file and smtp.tls_key_file must be set together")
	}
	for _, n := range c.SMTP.TrustedNetworks {
		if _, _, err := net.ParseCIDR(n); err != nil && net.ParseIP(n) == nil {
			return fmt.Errorf("invalid trusted network %q: not an address or CIDR", n)
		}
	}
	if _, err := c.SMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("invalid smtp.max_message_size: %w", err)
	}
	if c.SMTP.MaxRecipients <= 0 {
		return fmt.Errorf("smtp.max_recipients must be positive")
	}
	if c.Relay.DKIM.Domain != "" && !c.Relay.DKIM.Enabled() {
		return fmt.Errorf("relay.dkim requires domain, selector and key_file")
	}
	return nil
}

// ParseSize parses human sizes ("512KB", "25MB", "1GB") or plain byte counts.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}
