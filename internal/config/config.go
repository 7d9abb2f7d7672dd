package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime settings of the synap360 binary.
type Config struct {
	DBPath           string `env:"SYNAP_DB_PATH" envDefault:"./data/synap360.db"`
	MigrationsDir    string `env:"SYNAP_MIGRATIONS_DIR" envDefault:"./migrations"`
	FanoutWorkers    int    `env:"SYNAP_FANOUT_WORKERS" envDefault:"4"`
	CredentialSecret string `env:"SYNAP_CREDENTIAL_SECRET"`
	CredentialIssuer string `env:"SYNAP_CREDENTIAL_ISSUER" envDefault:"synap360"`
	OTelEndpoint     string `env:"SYNAP_OTEL_ENDPOINT"`
	OTelEnabled      bool   `env:"SYNAP_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("SYNAP_DB_PATH must not be empty")
	}
	if c.FanoutWorkers < 1 {
		return fmt.Errorf("SYNAP_FANOUT_WORKERS must be at least 1, got %d", c.FanoutWorkers)
	}
	return nil
}

// TracingEnabled reports whether spans should be exported.
func (c *Config) TracingEnabled() bool {
	return c.OTelEnabled && strings.TrimSpace(c.OTelEndpoint) != ""
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
