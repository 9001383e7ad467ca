package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, int64(200*1024*1024), cfg.ChunkCache.MaxBytes)
	assert.Equal(t, int64(1024), cfg.FileCache.MinValidBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.FileCache.MaxAge)
	assert.Equal(t, 3, cfg.PlayerPool.MaxPlayers)
	assert.Equal(t, 24*time.Hour, cfg.Catalog.Validity)
	assert.Equal(t, 85, cfg.Thumbnails.JPEGQuality)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	content := `
global:
  log_level: DEBUG
chunk_cache:
  max_bytes: 1048576
player_pool:
  max_players: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, int64(1048576), cfg.ChunkCache.MaxBytes)
	assert.Equal(t, 5, cfg.PlayerPool.MaxPlayers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Catalog.Validity)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile("/nonexistent/config.yaml"))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLIPCACHE_CHUNK_MAX_BYTES", "2097152")
	t.Setenv("CLIPCACHE_MAX_PLAYERS", "2")
	t.Setenv("CLIPCACHE_CATALOG_VALIDITY", "1h")
	t.Setenv("CLIPCACHE_METRICS_ENABLED", "true")

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, int64(2097152), cfg.ChunkCache.MaxBytes)
	assert.Equal(t, 2, cfg.PlayerPool.MaxPlayers)
	assert.Equal(t, time.Hour, cfg.Catalog.Validity)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved", "config.yaml")

	cfg := NewDefault()
	cfg.PlayerPool.MaxPlayers = 4
	require.NoError(t, cfg.SaveToFile(path))

	reloaded := NewDefault()
	require.NoError(t, reloaded.LoadFromFile(path))
	assert.Equal(t, 4, reloaded.PlayerPool.MaxPlayers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero chunk budget", func(c *Configuration) { c.ChunkCache.MaxBytes = 0 }},
		{"zero players", func(c *Configuration) { c.PlayerPool.MaxPlayers = 0 }},
		{"zero catalog validity", func(c *Configuration) { c.Catalog.Validity = 0 }},
		{"quality out of range", func(c *Configuration) { c.Thumbnails.JPEGQuality = 101 }},
		{"zero saver workers", func(c *Configuration) { c.Saver.Workers = 0 }},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
