// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 120*time.Second, cfg.Pool.JobTimeout)
	assert.Equal(t, 1000, cfg.Pool.WorkerTimeToLive)
	assert.Equal(t, 6, cfg.Pool.JobRetries)
	assert.Equal(t, 50, cfg.Pool.QueueSize)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 30*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 2, cfg.Sinks.Precision)
	assert.Equal(t, 0.3, cfg.Sinks.DifferenceThreshold)
	assert.Equal(t, 1, cfg.Sinks.CorruptedRetries)
	assert.Equal(t, 0.1, cfg.Soft404.SimilarityThreshold)
	assert.Equal(t, 0.3, cfg.Soft404.DifferenceThreshold)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Pool Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		bad := *cfg
		bad.Pool.Size = 0
		err := bad.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "size must be a positive integer")

		bad = *cfg
		bad.Pool.JobRetries = -1
		err = bad.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job_retries cannot be negative")

		bad = *cfg
		bad.Pool.JobTimeout = 0
		assert.Error(t, bad.Validate())
	})

	t.Run("Sinks Validation", func(t *testing.T) {
		valid := SinksConfig{Precision: 2, DifferenceThreshold: 0.3}
		assert.NoError(t, valid.Validate())

		tests := []struct {
			name     string
			mutate   func(*SinksConfig)
			expected string
		}{
			{"low precision", func(s *SinksConfig) { s.Precision = 1 }, "precision must be at least 2"},
			{"threshold too high", func(s *SinksConfig) { s.DifferenceThreshold = 1.5 }, "difference_threshold"},
			{"negative cost", func(s *SinksConfig) { s.MaxCost = -1 }, "max_cost cannot be negative"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := valid
				tt.mutate(&s)
				err := s.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expected)
			})
		}
	})

	t.Run("Soft404 Validation skipped when disabled", func(t *testing.T) {
		s := Soft404Config{Enabled: false, Precision: 0}
		assert.NoError(t, s.Validate())
		s.Enabled = true
		assert.Error(t, s.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Valid YAML overrides defaults", func(t *testing.T) {
		yamlBytes := []byte(`
pool:
  size: 8
  job_timeout: 45s
  category_order: ["crawl", "default"]
sinks:
  enabled: ["body", "active"]
  max_cost: 10
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Pool.Size)
		assert.Equal(t, 45*time.Second, cfg.Pool.JobTimeout)
		assert.Equal(t, []string{"crawl", "default"}, cfg.Pool.CategoryOrder)
		assert.Equal(t, []string{"body", "active"}, cfg.Sinks.Enabled)
		assert.Equal(t, 10, cfg.Sinks.MaxCost)
		// Untouched sections keep their defaults.
		assert.Equal(t, 1000, cfg.Pool.WorkerTimeToLive)
	})

	t.Run("Database URL from environment", func(t *testing.T) {
		t.Setenv("DOMSCOUT_DATABASE_URL", "postgres://scout@localhost/domscout")
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://scout@localhost/domscout", cfg.Database.URL)
	})

	t.Run("Invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("pool.size", -2)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
