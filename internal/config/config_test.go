package config

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetSingleton() {
	instance = nil
	once = sync.Once{}
}

// TestGetUninitialized verifies that calling Get() before Load() causes a panic.
func TestGetUninitialized(t *testing.T) {
	resetSingleton()
	assert.Panics(t, func() {
		Get()
	}, "Get() should panic if configuration is not initialized")
}

func TestLoadDefaults(t *testing.T) {
	resetSingleton()

	v := viper.New()
	SetDefaults(v)
	require.NoError(t, Load(v))

	cfg := Get()
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 3, cfg.Pool.Size)
	assert.Equal(t, 5, cfg.Queue.BurstSize)
	assert.Equal(t, 5*time.Minute, cfg.Browser.IdleTimeout)
	assert.NotEmpty(t, cfg.Search.InputSelectors)
}

func TestLoadOverrides(t *testing.T) {
	resetSingleton()

	yamlConfig := []byte(`
search:
  url: "https://example.org/search"
pool:
  size: 7
queue:
  rate_limit: 4
  refill_interval: 250ms
`)
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	require.NoError(t, Load(v))
	cfg := Get()
	assert.Equal(t, "https://example.org/search", cfg.Search.URL)
	assert.Equal(t, 7, cfg.Pool.Size)
	assert.Equal(t, 4, cfg.Queue.RateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RefillInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty search url", func(c *Config) { c.Search.URL = "" }},
		{"no input selectors", func(c *Config) { c.Search.InputSelectors = nil }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"zero queue size", func(c *Config) { c.Queue.MaxQueueSize = 0 }},
		{"zero burst", func(c *Config) { c.Queue.BurstSize = 0 }},
		{"zero refill interval", func(c *Config) { c.Queue.RefillInterval = 0 }},
		{"zero pool", func(c *Config) { c.Pool.Size = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"warning above critical", func(c *Config) {
			c.Monitor.MemWarningMB = 4096
			c.Monitor.MemCriticalMB = 2048
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}
