package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStr(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	assert.Equal(t, "value", envStr("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", envStr("TEST_STR_MISSING", "fallback"))
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, envInt("TEST_INT", 0))
	assert.Equal(t, 99, envInt("TEST_INT_MISSING", 99))

	t.Setenv("TEST_INT_BAD", "abc")
	assert.Equal(t, 7, envInt("TEST_INT_BAD", 7))
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.75")
	assert.Equal(t, 0.75, envFloat("TEST_FLOAT", 0))
	assert.Equal(t, 0.5, envFloat("TEST_FLOAT_MISSING", 0.5))

	t.Setenv("TEST_FLOAT_BAD", "lots")
	assert.Equal(t, 1.0, envFloat("TEST_FLOAT_BAD", 1.0))
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	assert.Equal(t, 5*time.Second, envDuration("TEST_DUR", 0))
	assert.Equal(t, time.Minute, envDuration("TEST_DUR_MISSING", time.Minute))

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	assert.Equal(t, time.Second, envDuration("TEST_DUR_BAD", time.Second))
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.95, cfg.BudgetAbortThreshold)
	assert.Equal(t, 0.5, cfg.ContentBreaker.FailureThreshold)
	assert.Equal(t, 0.3, cfg.InferenceBreaker.FailureThreshold)
	assert.Less(t, cfg.InferenceBreaker.ResetTimeout, cfg.ContentBreaker.ResetTimeout,
		"inference breaker recovers on a shorter leash")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HALCYON_PORT", "9090")
	t.Setenv("HALCYON_BUDGET_ABORT_THRESHOLD", "0.8")
	t.Setenv("HALCYON_QUEUE_RETENTION_AGE", "48h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 0.8, cfg.BudgetAbortThreshold)
	assert.Equal(t, 48*time.Hour, cfg.QueueRetentionAge)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"abort threshold zero", func(c *Config) { c.BudgetAbortThreshold = 0 }},
		{"abort threshold above one", func(c *Config) { c.BudgetAbortThreshold = 1.5 }},
		{"breaker threshold zero", func(c *Config) { c.ContentBreaker.FailureThreshold = 0 }},
		{"breaker min throughput zero", func(c *Config) { c.InferenceBreaker.MinimumThroughput = 0 }},
		{"negative price", func(c *Config) { c.PriceInferenceToken = -1 }},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
