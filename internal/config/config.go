// Package config loads the Bluesky account and service settings from the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

const (
	EnvService    = "BLUESKY_SERVICE"
	EnvIdentifier = "BLUESKY_IDENTIFIER"
	EnvPassword   = "BLUESKY_PASSWORD"

	// DefaultService is the public Bluesky PDS entryway.
	DefaultService = "https://bsky.social"
	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"
)

// Config holds the resolved settings.
type Config struct {
	Service    string
	Identifier string
	Password   string
}

// Load reads envFile (if it exists) and overlays the process environment.
// An empty envFile skips the file entirely.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault(EnvService, DefaultService)
	for _, key := range []string{EnvService, EnvIdentifier, EnvPassword} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Service:    strings.TrimSpace(v.GetString(EnvService)),
		Identifier: strings.TrimSpace(v.GetString(EnvIdentifier)),
		Password:   strings.TrimSpace(v.GetString(EnvPassword)),
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	return cfg, nil
}

// Credentials returns the configured account, or a ConfigurationError naming
// both required keys when either one is missing.
func (c *Config) Credentials() (social.Credentials, error) {
	if c.Identifier == "" || c.Password == "" {
		return social.Credentials{}, social.ConfigurationError{
			Provider:  "bluesky",
			Variables: []string{EnvIdentifier, EnvPassword},
		}
	}
	return social.Credentials{Identifier: c.Identifier, Secret: c.Password}, nil
}
