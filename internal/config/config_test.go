package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, tile.LODRange{Min: 14, Max: 20}, cfg.LOD())
	assert.EqualValues(t, 512<<20, cfg.BudgetBytes())
	assert.Equal(t, 4, cfg.Tiles.MaxConcurrentLoads)
	assert.Equal(t, "png", cfg.Provider.Extension)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Tiles, cfg.Tiles)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "tilestream.yaml", `
tiles:
  min_lod: 10
  max_lod: 18
  budget_mb: 64
  fetch_timeout: 5s
provider:
  type: http
  http:
    url_template: https://tiles.example.com/{z}/{x}/{y}.png
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, tile.LODRange{Min: 10, Max: 18}, cfg.LOD())
	assert.EqualValues(t, 64<<20, cfg.BudgetBytes())
	assert.Equal(t, 5*time.Second, cfg.Tiles.FetchTimeout)
	assert.Equal(t, "http", cfg.Provider.Type)
	assert.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png", cfg.Provider.HTTP.URLTemplate)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 4, cfg.Tiles.MaxConcurrentLoads)
	assert.Equal(t, "tilestream/1.0", cfg.Provider.HTTP.UserAgent)
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "tilestream.json", `{"server": {"port": 9090}, "log": {"level": "debug"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "tilestream.yaml", "tiles:\n  max_concurrent_loads: 2\n")
	t.Setenv("TILES_MAX_CONCURRENT_LOADS", "8")
	t.Setenv("PROVIDER_TYPE", "redis")
	t.Setenv("PROVIDER_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Tiles.MaxConcurrentLoads)
	assert.Equal(t, "redis", cfg.Provider.Type)
	assert.Equal(t, "redis:6379", cfg.Provider.Redis.Addr)
}

func TestLoad_UnsupportedFile(t *testing.T) {
	_, err := Load(writeFile(t, "tilestream.toml", "x = 1"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min LOD above max", func(c *Config) { c.Tiles.MinLOD, c.Tiles.MaxLOD = 18, 15 }},
		{"negative min LOD", func(c *Config) { c.Tiles.MinLOD = -1 }},
		{"max LOD above 28", func(c *Config) { c.Tiles.MaxLOD = 29 }},
		{"budget below floor", func(c *Config) { c.Tiles.BudgetMB = MinBudgetMB - 1 }},
		{"no loads", func(c *Config) { c.Tiles.MaxConcurrentLoads = 0 }},
		{"too many loads", func(c *Config) { c.Tiles.MaxConcurrentLoads = 17 }},
		{"tile too small", func(c *Config) { c.Tiles.TileSize = 32 }},
		{"tile too large", func(c *Config) { c.Tiles.TileSize = 1024 }},
		{"unknown provider", func(c *Config) { c.Provider.Type = "ftp" }},
		{"empty extension", func(c *Config) { c.Provider.Extension = "" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_Boundaries(t *testing.T) {
	cfg := Default()
	cfg.Tiles.MinLOD, cfg.Tiles.MaxLOD = 0, tile.MaxLOD
	cfg.Tiles.BudgetMB = MinBudgetMB
	cfg.Tiles.MaxConcurrentLoads = 16
	cfg.Tiles.TileSize = 512

	assert.NoError(t, cfg.Validate())

	cfg.Tiles.MinLOD, cfg.Tiles.MaxLOD = 17, 17
	assert.NoError(t, cfg.Validate())
}
