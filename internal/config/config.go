// Package config loads service configuration from an optional TOML file with
// environment variable overrides. Environment always wins so containerized
// deployments can run without a config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the complete authcore service configuration.
type Config struct {
	Listen   string         `toml:"listen"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Session  SessionConfig  `toml:"session"`
	Audit    AuditConfig    `toml:"audit"`
	Rate     RateConfig     `toml:"rate"`
}

// DatabaseConfig carries the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

// AuthConfig controls token issuance and 2FA behavior.
type AuthConfig struct {
	Secret       string   `toml:"secret"`
	Issuer       string   `toml:"issuer"`
	AccessTTL    duration `toml:"access_ttl"`
	RefreshTTL   duration `toml:"refresh_ttl"`
	ChallengeTTL duration `toml:"challenge_ttl"`
	TOTPIssuer   string   `toml:"totp_issuer"`
}

// SessionConfig controls the session registry.
type SessionConfig struct {
	TTL            duration `toml:"ttl"`
	MaxLifetime    duration `toml:"max_lifetime"`
	SlidingExpiry  bool     `toml:"sliding_expiry"`
	MaxPerUser     int      `toml:"max_per_user"`
	SweepInterval  duration `toml:"sweep_interval"`
	SweepRetention duration `toml:"sweep_retention"`
}

// AuditConfig selects how audit writes behave when the store is unavailable.
type AuditConfig struct {
	// Mode is "strict" (fail closed on every entry) or "queued"
	// (fail closed for security-critical kinds, queue-and-retry otherwise).
	Mode      string `toml:"mode"`
	QueueSize int    `toml:"queue_size"`
	// Retention bounds how long entries are kept; zero disables the purge.
	Retention duration `toml:"retention"`
}

// RateConfig controls the HTTP per-IP limiter.
type RateConfig struct {
	Burst     int `toml:"burst"`
	PerSecond int `toml:"per_second"`
}

// duration wraps time.Duration with TOML text unmarshalling ("15m", "72h").
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		Auth: AuthConfig{
			Issuer:       "authcore",
			AccessTTL:    duration{15 * time.Minute},
			RefreshTTL:   duration{14 * 24 * time.Hour},
			ChallengeTTL: duration{5 * time.Minute},
			TOTPIssuer:   "Authcore",
		},
		Session: SessionConfig{
			TTL:            duration{7 * 24 * time.Hour},
			MaxLifetime:    duration{30 * 24 * time.Hour},
			SlidingExpiry:  true,
			MaxPerUser:     10,
			SweepInterval:  duration{15 * time.Minute},
			SweepRetention: duration{30 * 24 * time.Hour},
		},
		Audit: AuditConfig{
			Mode:      "queued",
			QueueSize: 1024,
			Retention: duration{90 * 24 * time.Hour},
		},
		Rate: RateConfig{
			Burst:     20,
			PerSecond: 10,
		},
	}
}

// Load reads the TOML file at path (if non-empty and present) on top of the
// defaults, then applies AUTHCORE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTHCORE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("AUTHCORE_PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AUTHCORE_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("AUTHCORE_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("AUTHCORE_AUDIT_MODE"); v != "" {
		cfg.Audit.Mode = v
	}
	if v := os.Getenv("AUTHCORE_SESSION_MAX_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxPerUser = n
		}
	}
}

func (c Config) validate() error {
	if c.Audit.Mode != "strict" && c.Audit.Mode != "queued" {
		return fmt.Errorf("config: unsupported audit mode %q", c.Audit.Mode)
	}
	if c.Session.MaxPerUser <= 0 {
		return fmt.Errorf("config: session max_per_user must be positive")
	}
	if c.Session.TTL.Duration <= 0 || c.Session.MaxLifetime.Duration < c.Session.TTL.Duration {
		return fmt.Errorf("config: session ttl/max_lifetime out of range")
	}
	return nil
}
