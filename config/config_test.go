package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 60*time.Second, cfg.RetryDelay)
	require.Equal(t, time.Hour, cfg.ResultTTL)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legalpipe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis_addr = "redis.internal:6380"
concurrency = 16
retry_delay = "5s"
soft_timeout = "2m"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	require.Equal(t, 16, cfg.Concurrency)
	require.Equal(t, 5*time.Second, cfg.RetryDelay)
	require.Equal(t, 2*time.Minute, cfg.SoftTimeout)
	// Untouched keys keep their defaults.
	require.Equal(t, Default().HardTimeout, cfg.HardTimeout)
	require.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte(`redis_addr = [not toml`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legalpipe.toml")
	require.NoError(t, os.WriteFile(path, []byte(`redis_addr = "from-file:6379"`), 0o644))

	t.Setenv("LEGALPIPE_REDIS_ADDR", "from-env:6379")
	t.Setenv("LEGALPIPE_MAX_RETRIES", "7")
	t.Setenv("LEGALPIPE_RESULT_TTL", "30m")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env:6379", cfg.RedisAddr)
	require.Equal(t, 7, cfg.MaxRetries)
	require.Equal(t, 30*time.Minute, cfg.ResultTTL)
}

func TestLoad_IgnoresInvalidEnvValues(t *testing.T) {
	t.Setenv("LEGALPIPE_CONCURRENCY", "minus-four")
	t.Setenv("LEGALPIPE_RETRY_DELAY", "-5s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Concurrency, cfg.Concurrency)
	require.Equal(t, Default().RetryDelay, cfg.RetryDelay)
}
