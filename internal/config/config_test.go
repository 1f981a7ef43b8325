package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 3, cfg.CapacityOpus)
	assert.Equal(t, 8, cfg.CapacitySonnet)
	assert.Equal(t, 15, cfg.CapacityHaiku)
	assert.Equal(t, 2, cfg.MaxSubagentDepth)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
}

func TestConfig_EnvMode(t *testing.T) {
	cfg := Config{AppEnv: "dev"}
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())

	cfg.AppEnv = "PROD"
	assert.True(t, cfg.IsProd())

	cfg.AppEnv = "test"
	assert.True(t, cfg.IsTest())
}

func TestConfig_CapacityLimits(t *testing.T) {
	cfg := Config{CapacityOpus: 1, CapacitySonnet: 2, CapacityHaiku: 3}
	limits := cfg.CapacityLimits()
	assert.Equal(t, 1, limits["opus"])
	assert.Equal(t, 2, limits["sonnet"])
	assert.Equal(t, 3, limits["haiku"])
}

func TestConfig_GetCircuitBreakerConfig_Test(t *testing.T) {
	cfg := Config{AppEnv: "test", CircuitFailureThreshold: 99}
	threshold, window, openDuration, successToClose := cfg.GetCircuitBreakerConfig()
	assert.Equal(t, 3, threshold)
	assert.Less(t, window, time.Second)
	assert.Less(t, openDuration, time.Second)
	assert.Equal(t, 2, successToClose)
}

func TestConfig_GetCircuitBreakerConfig_Prod(t *testing.T) {
	cfg := Config{
		AppEnv:                  "prod",
		CircuitFailureThreshold: 5,
		CircuitFailureWindow:    5 * time.Minute,
		CircuitOpenDuration:     2 * time.Minute,
		CircuitSuccessToClose:   3,
	}
	threshold, window, openDuration, successToClose := cfg.GetCircuitBreakerConfig()
	assert.Equal(t, 5, threshold)
	assert.Equal(t, 5*time.Minute, window)
	assert.Equal(t, 2*time.Minute, openDuration)
	assert.Equal(t, 3, successToClose)
}
