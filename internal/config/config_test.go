package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldWd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "cotation", cfg.JWTIssuer)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.DBPath)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Error(t, cfg.RequireSecret())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "addr: \":9090\"\ndb_path: /var/lib/cotation.db\nlog_level: debug\ncors_origins:\n  - https://a.example\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cotation.yaml"), []byte(yaml), 0o600))

	t.Setenv("COTATION_DB_PATH", "/tmp/override.db")
	t.Setenv("COTATION_JWT_SECRET", "s3cret")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.RequireSecret())
}

func TestLoadCommaSeparatedOrigins(t *testing.T) {
	chdirTemp(t)
	t.Setenv("COTATION_CORS_ORIGINS", "https://a.example, https://b.example")
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsBadInput(t *testing.T) {
	chdirTemp(t)
	_, err := Load(viper.New(), "missing.yaml")
	assert.Error(t, err)

	t.Setenv("COTATION_LOG_LEVEL", "chatty")
	_, err = Load(viper.New(), "")
	assert.Error(t, err)

	t.Setenv("COTATION_LOG_LEVEL", "info")
	t.Setenv("COTATION_DB_DRIVER", "postgres")
	_, err = Load(viper.New(), "")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	_, err = NewLogger("loud")
	assert.Error(t, err)
}
