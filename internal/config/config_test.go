package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yml := `
kite:
  api_key: "abc"
  exchange: "BSE"
polling:
  interval: 15s
  max_attempts: 5
database:
  dsn: "test.db"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Kite.ApiKey)
	assert.Equal(t, "BSE", cfg.Kite.Exchange)
	assert.Equal(t, 15*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 5, cfg.Polling.MaxAttempts)
	assert.Equal(t, "test.db", cfg.Database.DSN)
	// untouched keys fall back to defaults
	assert.Equal(t, "CNC", cfg.Kite.Product)
	assert.Equal(t, 5*time.Second, cfg.Polling.RetryDelay)
}

func TestLoadConfig_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("KITE_API_KEY", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Kite.ApiKey)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Polling.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Polling.Interval)
	assert.Equal(t, "https://api.kite.trade", cfg.Kite.BaseURL)
	assert.Equal(t, 24*time.Hour, cfg.StatusRefresh.MaxAge)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECURITY_CREDENTIAL_KEY=sealed-key\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SECURITY_CREDENTIAL_KEY") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "sealed-key", cfg.Security.CredentialKey)
}
