package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no chess-server.yaml in sight

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":2048", cfg.ListenAddr)
	assert.Equal(t, "users.txt", cfg.UsersFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHESS_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("CHESS_LOG_LEVEL", "debug")
	t.Setenv("CHESS_CACHE_TTL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
}
