// Package config implements TOML configuration loading, validation, and
// platform path resolution for sda-go. Precedence is defaults -> config
// file -> CLI flags; flags always win for one-off overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Application directory name used across all platforms.
const appName = "sda-go"

// Config file and database file names.
const (
	configFileName = "config.toml"
	databaseName   = "sda.db"
)

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Store     StoreConfig     `toml:"store"`
	Network   NetworkConfig   `toml:"network"`
	Transfers TransfersConfig `toml:"transfers"`
}

// IdentityConfig points at the OAuth identity realm and the probe
// endpoint used to test cached tokens.
type IdentityConfig struct {
	TokenURL string `toml:"token_url"`
	ProbeURL string `toml:"probe_url"`
	ClientID string `toml:"client_id"`
}

// StoreConfig locates the token database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// NetworkConfig holds HTTP timeouts as duration strings ("10s", "5m").
// ConnectTimeout bounds issuance and probe calls; ReadTimeout bounds a
// whole streamed download.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
}

// TransfersConfig controls the fetch worker pool.
type TransfersConfig struct {
	ParallelDownloads int `toml:"parallel_downloads"`
}

// Default timeout and worker values.
const (
	defaultConnectTimeout    = "20s"
	defaultReadTimeout       = "10m"
	defaultParallelDownloads = 4
)

// DefaultConfig returns a Config populated with all default values.
// Identity endpoint defaults are left empty here; the tokens package
// substitutes its CDSE defaults for empty values.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Path: filepath.Join(DefaultDataDir(), databaseName)},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			ReadTimeout:    defaultReadTimeout,
		},
		Transfers: TransfersConfig{ParallelDownloads: defaultParallelDownloads},
	}
}

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config merged over defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// all defaults. Supports the zero-config first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Validate checks field-level constraints.
func Validate(cfg *Config) error {
	if cfg.Store.Path == "" {
		return fmt.Errorf("config: store.path must not be empty")
	}

	if cfg.Transfers.ParallelDownloads < 1 {
		return fmt.Errorf("config: transfers.parallel_downloads must be at least 1, got %d",
			cfg.Transfers.ParallelDownloads)
	}

	if _, err := cfg.ConnectTimeout(); err != nil {
		return err
	}

	if _, err := cfg.ReadTimeout(); err != nil {
		return err
	}

	return nil
}

// ConnectTimeout parses the connect timeout duration.
func (c *Config) ConnectTimeout() (time.Duration, error) {
	return parseTimeout("network.connect_timeout", c.Network.ConnectTimeout)
}

// ReadTimeout parses the read timeout duration.
func (c *Config) ReadTimeout() (time.Duration, error) {
	return parseTimeout("network.read_timeout", c.Network.ReadTimeout)
}

func parseTimeout(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", key, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("config: %s: duration must be positive, got %q", key, value)
	}

	return d, nil
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	return filepath.Join(defaultDir("XDG_CONFIG_HOME", ".config"), configFileName)
}

// DefaultDataDir returns the platform directory for application data.
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/sda-go).
// On macOS, uses ~/Library/Application Support/sda-go.
func DefaultDataDir() string {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}

		return filepath.Join(home, "Library", "Application Support", appName)
	}

	return defaultDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// defaultDir resolves an XDG-style directory with a home fallback.
func defaultDir(envVar, homeRelative string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, homeRelative, appName)
}
