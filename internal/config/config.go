// ABOUTME: Configuration loading and parsing for the atrium storage service
// ABOUTME: Supports YAML files with environment variable expansion and env overrides

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment variable names consumed alongside the config file.
const (
	EnvEncryptionKey = "ATRIUM_ENCRYPTION_KEY"
	EnvSessionSecret = "ATRIUM_SESSION_SECRET"
	EnvProduction    = "ATRIUM_PRODUCTION"
)

// Config represents the complete atrium storage configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig holds key material sources and the production flag.
// Secrets are normally injected via ${VAR} expansion rather than written
// into the file.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
	SessionSecret string `yaml:"session_secret"`
	Production    bool   `yaml:"production"`
}

// AdminConfig holds default admin seeding credentials.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// the dedicated ATRIUM_* variables override their file counterparts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds a config purely from environment variables, for setups
// that run without a config file.
func FromEnv(dbPath string) *Config {
	cfg := &Config{}
	cfg.Database.Path = dbPath
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv(EnvSessionSecret); v != "" {
		c.Security.SessionSecret = v
	}
	if v := os.Getenv(EnvProduction); v == "1" || v == "true" {
		c.Security.Production = true
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
// Production mode requires real key material: running without it would
// silently store credentials under the development fallback key.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Security.Production {
		if c.Security.EncryptionKey == "" && c.Security.SessionSecret == "" {
			return fmt.Errorf("security.encryption_key (or %s) is required in production", EnvEncryptionKey)
		}
	}
	return nil
}
