// Package config loads the per-workspace auth configuration.
//
// Settings live in auth/config.yaml inside the workspace; every value can
// be overridden by a SEKISHO_* environment variable, which wins over the
// file. A missing file simply yields the defaults, so a fresh workspace
// needs no configuration at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Sekisho/common/crypto"
	"github.com/bdobrica/Sekisho/common/environment"
)

// Duration wraps time.Duration so YAML can carry values like "24h" or
// "15m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"24h\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back into its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root of the workspace auth configuration.
type Config struct {
	// EnableAuth gates every token check in the handoff store. Disabling it
	// is meant for throwaway local workspaces only.
	EnableAuth bool `yaml:"enable_auth"`

	// SecretKey optionally inlines the signing key as 64 hex characters.
	// When empty the key is read from (or minted into) auth/.secret_key.
	SecretKey string `yaml:"secret_key,omitempty"`

	// DefaultLifetime applies to tokens created without an explicit
	// lifetime. Zero mints non-expiring tokens.
	DefaultLifetime Duration `yaml:"default_lifetime"`

	// RefreshLifetime bounds how long after issue a refresh token is
	// honored.
	RefreshLifetime Duration `yaml:"refresh_lifetime"`

	// MaxFailedAttempts is the failure count that trips an agent lockout.
	MaxFailedAttempts int `yaml:"max_failed_attempts"`

	// LockoutDuration is the sliding window for counting failures, and
	// therefore also how long a lockout lasts.
	LockoutDuration Duration `yaml:"lockout_duration"`

	// TokenLifetimeHours is the system token's lifetime. Zero means the
	// system token never expires.
	TokenLifetimeHours int `yaml:"token_lifetime_hours"`

	// CreateRateLimit caps handoff creations per token per minute.
	CreateRateLimit int `yaml:"create_rate_limit"`

	// ReadRateLimit caps handoff reads per token per minute.
	ReadRateLimit int `yaml:"read_rate_limit"`
}

// Default returns the configuration a fresh workspace starts with.
func Default() Config {
	return Config{
		EnableAuth:         true,
		DefaultLifetime:    Duration(24 * time.Hour),
		RefreshLifetime:    Duration(168 * time.Hour),
		MaxFailedAttempts:  5,
		LockoutDuration:    Duration(15 * time.Minute),
		TokenLifetimeHours: 0,
		CreateRateLimit:    50,
		ReadRateLimit:      100,
	}
}

// Load reads the configuration at path, layering file values over the
// defaults and environment overrides over both. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path with restrictive permissions, used
// to seed a fresh workspace with an editable file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnv lets SEKISHO_* variables override file values.
func (c *Config) applyEnv() {
	c.EnableAuth = environment.BoolOr("SEKISHO_ENABLE_AUTH", c.EnableAuth)
	c.SecretKey = environment.StringOr("SEKISHO_SECRET_KEY", c.SecretKey)
	c.DefaultLifetime = Duration(environment.DurationOr("SEKISHO_DEFAULT_LIFETIME", time.Duration(c.DefaultLifetime)))
	c.RefreshLifetime = Duration(environment.DurationOr("SEKISHO_REFRESH_LIFETIME", time.Duration(c.RefreshLifetime)))
	c.MaxFailedAttempts = environment.IntOr("SEKISHO_MAX_FAILED_ATTEMPTS", c.MaxFailedAttempts)
	c.LockoutDuration = Duration(environment.DurationOr("SEKISHO_LOCKOUT_DURATION", time.Duration(c.LockoutDuration)))
	c.TokenLifetimeHours = environment.IntOr("SEKISHO_TOKEN_LIFETIME_HOURS", c.TokenLifetimeHours)
	c.CreateRateLimit = environment.IntOr("SEKISHO_CREATE_RATE_LIMIT", c.CreateRateLimit)
	c.ReadRateLimit = environment.IntOr("SEKISHO_READ_RATE_LIMIT", c.ReadRateLimit)
}

// Validate checks the configuration for values that would cripple the
// subsystem. It returns the first problem found.
func (c *Config) Validate() error {
	if c.SecretKey != "" {
		if _, err := crypto.ParseKey(c.SecretKey); err != nil {
			return fmt.Errorf("secret_key: %w", err)
		}
	}
	if c.DefaultLifetime < 0 {
		return fmt.Errorf("default_lifetime must not be negative, got %s", time.Duration(c.DefaultLifetime))
	}
	if c.RefreshLifetime <= 0 {
		return fmt.Errorf("refresh_lifetime must be positive, got %s", time.Duration(c.RefreshLifetime))
	}
	if c.MaxFailedAttempts < 1 {
		return fmt.Errorf("max_failed_attempts must be at least 1, got %d", c.MaxFailedAttempts)
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("lockout_duration must be positive, got %s", time.Duration(c.LockoutDuration))
	}
	if c.TokenLifetimeHours < 0 {
		return fmt.Errorf("token_lifetime_hours must not be negative, got %d", c.TokenLifetimeHours)
	}
	if c.CreateRateLimit < 1 {
		return fmt.Errorf("create_rate_limit must be at least 1, got %d", c.CreateRateLimit)
	}
	if c.ReadRateLimit < 1 {
		return fmt.Errorf("read_rate_limit must be at least 1, got %d", c.ReadRateLimit)
	}
	return nil
}
