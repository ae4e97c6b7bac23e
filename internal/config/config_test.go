package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	connect, err := cfg.ConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, connect)

	read, err := cfg.ReadTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, read)

	assert.Equal(t, 4, cfg.Transfers.ParallelDownloads)
	assert.NotEmpty(t, cfg.Store.Path)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[identity]
token_url = "https://identity.example/token"
client_id = "my-client"

[store]
path = "/tmp/test-sda.db"

[transfers]
parallel_downloads = 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://identity.example/token", cfg.Identity.TokenURL)
	assert.Equal(t, "my-client", cfg.Identity.ClientID)
	assert.Equal(t, "/tmp/test-sda.db", cfg.Store.Path)
	assert.Equal(t, 2, cfg.Transfers.ParallelDownloads)

	// Untouched sections keep their defaults.
	assert.Equal(t, "20s", cfg.Network.ConnectTimeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[network]
read_timeout = "fast"
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read_timeout")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"zero workers", func(c *Config) { c.Transfers.ParallelDownloads = 0 }, "parallel_downloads"},
		{"negative timeout", func(c *Config) { c.Network.ConnectTimeout = "-5s" }, "connect_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Network, cfg.Network)
}
