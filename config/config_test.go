package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Second, cfg.DebounceWindow)
	assert.Equal(t, 10, cfg.TopN)
	assert.NotEmpty(t, cfg.PostgresURL)
	assert.NotEmpty(t, cfg.ClickHouseAddr)
	assert.NotEmpty(t, cfg.RedisAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("IDLE_TIMEOUT", "10m")
	t.Setenv("TOP_N", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 25, cfg.TopN)
}

func TestLoadRejectsBadTunables(t *testing.T) {
	t.Setenv("IDLE_TIMEOUT", "0s")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsZeroTopN(t *testing.T) {
	t.Setenv("TOP_N", "0")
	_, err := Load()
	assert.Error(t, err)
}
