package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NotEmpty(t, cfg.DataDir)
	require.Contains(t, cfg.Provider.Scopes, "identity")
	require.Equal(t, "feedloop/1.0", cfg.Provider.UserAgent)
	require.Equal(t, "http://127.0.0.1:0/callback", cfg.Provider.RedirectURI)
	require.Equal(t, int64(512*1024*1024), cfg.Media.MaxSize)
	require.Equal(t, 24*time.Hour, cfg.Media.TTL)
	require.Equal(t, 2, cfg.Media.Workers)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, filepath.Join(cfg.DataDir, "feedloop.db"), cfg.DatabasePath())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider:
  client_id: my-client
  scopes: [identity, read]
media:
  max_size_bytes: 1048576
  ttl: 6h
  workers: 4
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-client", cfg.Provider.ClientID)
	require.Equal(t, []string{"identity", "read"}, cfg.Provider.Scopes)
	require.Equal(t, int64(1048576), cfg.Media.MaxSize)
	require.Equal(t, 6*time.Hour, cfg.Media.TTL)
	require.Equal(t, 4, cfg.Media.Workers)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FEEDLOOP_PROVIDER_CLIENT_ID", "env-client")
	t.Setenv("FEEDLOOP_LOG_LEVEL", "warn")
	t.Setenv("FEEDLOOP_MEDIA_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-client", cfg.Provider.ClientID)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, 8, cfg.Media.Workers)
}
