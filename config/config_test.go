package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	size, err := cfg.SMTP.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(25*1024*1024), size)
	assert.Equal(t, 64, cfg.Policy.GetRolloutPageSize())
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smtpd.toml")
	content := `
[smtp]
addr = ":2525"
hostname = "mx.example.com"
max_recipients = 5
max_message_size = "1MB"
trusted_networks = ["10.0.0.0/8"]

[storage]
backend = "fs"
path = "/tmp/blobs"

[lock]
backend = "redis"
timeout = "3s"

[relay]
host = "relay.example.com:587"

[relay.queue]
interval = "1m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":2525", cfg.SMTP.Addr)
	assert.Equal(t, "mx.example.com", cfg.SMTP.Hostname)
	assert.Equal(t, 5, cfg.SMTP.MaxRecipients)
	size, err := cfg.SMTP.GetMaxMessageSize()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), size)

	timeout, err := cfg.Lock.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, timeout)

	assert.True(t, cfg.Relay.IsConfigured())
	interval, err := cfg.Relay.Queue.GetInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, interval)
	// Defaults survive a partial file.
	assert.Equal(t, 8, cfg.Relay.Queue.GetMaxAttempts())
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "tape" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.S3.Endpoint = "s3.local" }},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "zookeeper" }},
		{"half tls", func(c *Config) { c.SMTP.TLSCertFile = "cert.pem" }},
		{"bad network", func(c *Config) { c.SMTP.TrustedNetworks = []string{"10.0.0.300"} }},
		{"bad size", func(c *Config) { c.SMTP.MaxMessageSize = "lots" }},
		{"no recipients", func(c *Config) { c.SMTP.MaxRecipients = 0 }},
		{"partial dkim", func(c *Config) { c.Relay.DKIM.Domain = "example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"100":   100,
		"10KB":  10 * 1024,
		"25 MB": 25 * 1024 * 1024,
		"1gb":   1 << 30,
		"512B":  512,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSize("-5")
	assert.Error(t, err)
}
