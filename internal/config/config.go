package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for coach-sync.
type Config struct {
	// Backend endpoints. The REST base URL serves conversations, messages
	// and notifications; the feed URL is the websocket push channel.
	APIBaseURL string `env:"API_BASE_URL"`
	FeedURL    string `env:"FEED_URL"`

	// SessionFile is written by the sign-in flow. It holds the session
	// token of the signed-in actor and is removed on sign-out.
	// Defaults to ~/.coach-sync/session.json.
	SessionFile string `env:"SESSION_FILE"`

	// StatePath is the bbolt cache of the last synced snapshot per actor.
	// Defaults to ~/.coach-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MatchTolerance is the window within which a pushed message is
	// considered the server copy of a pending optimistic send.
	MatchTolerance time.Duration `env:"MATCH_TOLERANCE" envDefault:"5s"`

	// REST request tuning.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	RequestRate    float64       `env:"REQUEST_RATE" envDefault:"10"`
	RequestBurst   int           `env:"REQUEST_BURST" envDefault:"20"`

	// Local control surface (MCP tools, health, metrics).
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	ControlAPIKeyHash string `env:"CONTROL_API_KEY_HASH"`
	EnableMetrics     bool   `env:"ENABLE_METRICS" envDefault:"true"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.SessionFile == "" || cfg.StatePath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}

		if cfg.SessionFile == "" {
			cfg.SessionFile = filepath.Join(dir, "session.json")
		}

		if cfg.StatePath == "" {
			cfg.StatePath = filepath.Join(dir, "state.db")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("API_BASE_URL: %w", err)
	}

	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}

	if err := checkURL(c.FeedURL, "ws", "wss"); err != nil {
		return fmt.Errorf("FEED_URL: %w", err)
	}

	if c.MatchTolerance <= 0 {
		return fmt.Errorf("MATCH_TOLERANCE must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.RequestRate <= 0 || c.RequestBurst <= 0 {
		return fmt.Errorf("REQUEST_RATE and REQUEST_BURST must be positive")
	}

	if c.EnableControl && c.ControlAPIKeyHash == "" {
		return fmt.Errorf("CONTROL_API_KEY_HASH is required when control is enabled")
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("url scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}

// DefaultDir returns ~/.coach-sync, the default home of the session file
// and the state database.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".coach-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
