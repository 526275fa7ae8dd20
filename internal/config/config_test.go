package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Outbox.Lease)
	assert.Equal(t, 20*time.Second, cfg.Outbox.DispatchTimeout)
	assert.Equal(t, "mock", cfg.DefaultProvider)
	require.Len(t, cfg.EnabledProviders(), 1)
	assert.Equal(t, 500*time.Millisecond, cfg.Providers[0].CallbackDelay)
	assert.Equal(t, 30*time.Second, cfg.Providers[1].Breaker.OpenFor)
	assert.False(t, cfg.ClickHouse.Enabled)
	assert.Equal(t, 3*time.Second, cfg.ClickHouse.PingTimeout)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enhancer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  max_attempts: 7\nhttp:\n  addr: \":9090\"\n"), 0o600))
	t.Setenv("ENHANCER_OUTBOX_LEASE", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Outbox.MaxAttempts)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 90*time.Second, cfg.Outbox.Lease)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name string
		edit func(c *Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"unknown queue", func(c *Config) { c.Queue.Driver = "sqs" }},
		{"memory queue not embedded", func(c *Config) { c.Queue.Embedded = false }},
		{"lease not above timeout", func(c *Config) { c.Outbox.Lease = c.Outbox.DispatchTimeout }},
		{"zero attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }},
		{"no provider", func(c *Config) { c.Providers[0].Enabled = false }},
		{"default provider disabled", func(c *Config) { c.DefaultProvider = "render" }},
		{"unregistered default", func(c *Config) { c.DefaultProvider = "nope" }},
		{"no jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"kafka without brokers", func(c *Config) { c.Queue.Driver = "kafka"; c.Kafka.Brokers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Providers = append([]ProviderConfig(nil), base.Providers...)
			tt.edit(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
