package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.URL)
	assert.Equal(t, "couchdb", cfg.Store.Backend)
	assert.Equal(t, "diagrams", cfg.Store.Database)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_SERVER_PORT", "9001")
	t.Setenv("COLLAB_STORE_BACKEND", "bolt")
	t.Setenv("COLLAB_STORE_PATH", "/tmp/test.db")
	t.Setenv("COLLAB_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestPlatformEnvAliases(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("FRONTEND_URL", "https://app.example.com")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "https://app.example.com", cfg.Security.FrontendURL)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 5000
store:
  backend: bolt
  path: /var/lib/collab/collab.db
security:
  frontend_url: https://diagrams.example.com
  allowed_origins:
    - https://staging.example.com
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, []string{
		"https://diagrams.example.com",
		"https://staging.example.com",
	}, cfg.Origins())
}

func TestOriginsFallsBackToWildcard(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, []string{"*"}, cfg.Origins())
}

func TestValidateConfig(t *testing.T) {
	valid := &Config{
		Server: ServerConfig{Port: 4000},
		Cache:  CacheConfig{URL: "redis://localhost:6379"},
		Store:  StoreConfig{Backend: "couchdb", URL: "http://localhost:5984", Database: "diagrams"},
	}
	assert.NoError(t, ValidateConfig(valid))

	t.Run("bad port", func(t *testing.T) {
		cfg := *valid
		cfg.Server.Port = 0
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := *valid
		cfg.Store.Backend = "postgres"
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("bolt needs path", func(t *testing.T) {
		cfg := *valid
		cfg.Store = StoreConfig{Backend: "bolt"}
		assert.Error(t, ValidateConfig(&cfg))
	})

	t.Run("missing cache url", func(t *testing.T) {
		cfg := *valid
		cfg.Cache.URL = ""
		assert.Error(t, ValidateConfig(&cfg))
	})
}
