package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// TokenEnv is the environment variable holding the API bearer token.
const TokenEnv = "MSYNC_TOKEN"

// Config represents the global ~/.msync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	LogLevel       string   `toml:"log_level"`
	User           User     `toml:"user"`
	Server         Server   `toml:"server"`
	Realtime       Realtime `toml:"realtime"`
	Metrics        Metrics  `toml:"metrics"`

	// Token is never written to disk; see LoadEnv.
	Token string `toml:"-"`
}

// User identifies the account the daemon syncs for.
type User struct {
	ID string `toml:"id"`
}

// Server holds the remote endpoints.
type Server struct {
	RealtimeURL string `toml:"realtime_url"`
	SyncURL     string `toml:"sync_url"`
	APIBaseURL  string `toml:"api_base_url"`
}

// Realtime tunes websocket reconnection.
type Realtime struct {
	ReconnectBaseDelay   time.Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
}

// Metrics configures the optional prometheus listener. Empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Default returns a config pointing at a local development server.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.RealtimeURL == "" {
		c.Server.RealtimeURL = "ws://localhost:8000/message/socket/"
	}
	if c.Server.SyncURL == "" {
		c.Server.SyncURL = "ws://localhost:8000/sync/socket/"
	}
	if c.Server.APIBaseURL == "" {
		c.Server.APIBaseURL = "http://localhost:8000/"
	}
	if c.Realtime.ReconnectBaseDelay <= 0 {
		c.Realtime.ReconnectBaseDelay = time.Second
	}
	if c.Realtime.ReconnectMaxDelay <= 0 {
		c.Realtime.ReconnectMaxDelay = 30 * time.Second
	}
}

// Validate reports settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.User.ID == "" {
		return errors.New("config: user.id is required")
	}
	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		return fmt.Errorf("config: reconnect_max_delay %s is below reconnect_base_delay %s",
			c.Realtime.ReconnectMaxDelay, c.Realtime.ReconnectBaseDelay)
	}
	return nil
}

// Load reads config from the given path and fills unset fields with defaults.
// Returns nil config and error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadEnv populates secrets from the process environment, after loading
// envPath (a dotenv file) if it exists. Variables already set win.
func (c *Config) LoadEnv(envPath string) error {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envPath, err)
	}
	c.Token = os.Getenv(TokenEnv)
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
