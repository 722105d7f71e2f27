package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.AutoSync)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval())
	assert.Equal(t, time.Second, cfg.StabilizationDelay())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseRetryDelay())
	assert.Equal(t, "lastWriteWins", cfg.ConflictStrategy)
	assert.Equal(t, 20*time.Second, cfg.RequestTimeout())
	assert.Equal(t, RemoteHTTP, cfg.Remote.Mode)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.Addr)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "schoolsync.yaml", `
data_dir: /var/lib/schoolsync
auto_sync: false
sync_interval_ms: 60000
conflict_strategy: manual
remote:
  mode: http
  url: https://sync.example.edu
  token: secret
http:
  allowed_origins:
    - https://portal.example.edu
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/schoolsync", cfg.DataDir)
	assert.False(t, cfg.AutoSync)
	assert.Equal(t, time.Minute, cfg.SyncInterval())
	assert.Equal(t, "manual", cfg.ConflictStrategy)
	assert.Equal(t, "https://sync.example.edu", cfg.Remote.URL)
	assert.Equal(t, []string{"https://portal.example.edu"}, cfg.HTTP.AllowedOrigins)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "schoolsync.toml", `
data_dir = "/tmp/ss"
max_retries = 5

[remote]
mode = "memory"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, RemoteMemory, cfg.Remote.Mode)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "schoolsync.yaml", `
remote:
  mode: memory
max_retries: 2
`)
	t.Setenv("SCHOOLSYNC_MAX_RETRIES", "7")
	t.Setenv("SCHOOLSYNC_REMOTE_MODE", "http")
	t.Setenv("SCHOOLSYNC_REMOTE_URL", "https://env.example.edu")
	t.Setenv("SCHOOLSYNC_AUTO_SYNC", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, RemoteHTTP, cfg.Remote.Mode)
	assert.Equal(t, "https://env.example.edu", cfg.Remote.URL)
	assert.False(t, cfg.AutoSync)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Remote.Mode = RemoteMemory
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with memory remote", func(c *Config) {}, false},
		{"http remote without url", func(c *Config) { c.Remote.Mode = RemoteHTTP }, true},
		{"http remote with url", func(c *Config) {
			c.Remote.Mode = RemoteHTTP
			c.Remote.URL = "https://sync.example.edu"
		}, false},
		{"unknown remote mode", func(c *Config) { c.Remote.Mode = "ftp" }, true},
		{"unknown strategy", func(c *Config) { c.ConflictStrategy = "coinFlip" }, true},
		{"zero sync interval", func(c *Config) { c.SyncIntervalMS = 0 }, true},
		{"negative stabilization", func(c *Config) { c.StabilizationDelayMS = -1 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, false},
		{"max delay below base", func(c *Config) { c.MaxRetryDelayMS = 10 }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"http enabled without addr", func(c *Config) { c.HTTP.Addr = "" }, true},
		{"http disabled without addr", func(c *Config) {
			c.HTTP.Enabled = false
			c.HTTP.Addr = ""
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Remote.Token = "secret"
	cfg.HTTP.AllowedOrigins = []string{"https://a.example.edu"}

	r := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", r.Remote.Token)
	assert.Equal(t, "secret", cfg.Remote.Token)

	r.HTTP.AllowedOrigins[0] = "changed"
	assert.Equal(t, "https://a.example.edu", cfg.HTTP.AllowedOrigins[0])
}

func TestRead_SkipsValidation(t *testing.T) {
	path := writeFile(t, "schoolsync.yaml", "remote:\n  mode: http\n")

	_, err := Load(path)
	require.Error(t, err)

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, RemoteHTTP, cfg.Remote.Mode)
	assert.Empty(t, cfg.Remote.URL)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"data_dir":"/data/app","remote":{"mode":"memory"},"http":{"enabled":false}}`), "json")
	require.NoError(t, err)
	assert.Equal(t, "/data/app", cfg.DataDir)
	assert.False(t, cfg.HTTP.Enabled)

	_, err = Parse([]byte(`{"remote":`), "json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}
