// Package config loads environment configuration and the access policy
// file. Environment variables configure the process; the policy file
// carries the secret digests and is reloadable at runtime.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for recall-mcp.
type Config struct {
	// Address the HTTP server listens on.
	ListenAddr string `env:"RECALL_LISTEN_ADDR" envDefault:":8090"`

	// Public base URL of this server. Used as the OAuth issuer and in
	// discovery metadata, so it must match what clients dial.
	ServerURL string `env:"RECALL_SERVER_URL" envDefault:"http://localhost:8090"`

	// Path to the YAML access policy file. Defaults to
	// ~/.recall/policy.yaml when empty.
	PolicyPath string `env:"RECALL_POLICY_FILE"`

	// Database paths. Empty means the package defaults under ~/.recall/.
	AuthDBPath    string `env:"RECALL_AUTH_DB"`
	RecordsDBPath string `env:"RECALL_RECORDS_DB"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	LogLevel string `env:"RECALL_LOG_LEVEL" envDefault:"info"`
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

	if cfg.PolicyPath == "" {
		path, err := DefaultPolicyPath()
		if err != nil {
			return nil, err
		}

		cfg.PolicyPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("RECALL_LISTEN_ADDR must not be empty")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("RECALL_SERVER_URL must be an absolute URL, got %q", c.ServerURL)
	}

	return nil
}

// DefaultPolicyPath returns ~/.recall/policy.yaml.
func DefaultPolicyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".recall", "policy.yaml"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
