// Package config loads the broker's runtime configuration from environment
// variables, with spf13/cobra persistent flags as the override mechanism —
// the same ARKEEP_-style env/flag pairing arkeep's cmd/server/main.go uses,
// renamed to this service's own prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime setting the broker needs at startup.
type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string

	// Table-presence toggles. The broker always runs against one physical
	// database; these flags emulate a table's absence for deployments that
	// don't need session accounting or credit tracking.
	SessionsEnabled         bool
	CreditsEnabled          bool
	PlatformSettingsEnabled bool

	// Auth.
	UserPoolID string
	Region     string
	Issuer     string
	JWKSURL    string

	// Environment gates AllowNoToken: dev-mode bypass is rejected when
	// Environment is "production".
	Environment  string
	AllowNoToken bool

	// Sink endpoint URL.
	SinkURL string

	// Redis revocation cache (optional; cache misses fall back to the store
	// and fail open on error just like a direct store lookup).
	RedisAddr string
	RedisTTL  time.Duration

	// LenientMissingClientTarget restores the legacy "emit monitor copy,
	// skip send, return 200" behavior for a missing relay target, instead of
	// the strict 400 default.
	LenientMissingClientTarget bool

	// StalePresenceThreshold bounds the maintenance sweep's definition of
	// "stale". The sweep only logs, never mutates, RobotPresence rows.
	StalePresenceThreshold time.Duration

	LogLevel string
}

// Load builds a Config from environment variables, applying the documented
// defaults for every optional field. It fails fast when the JWKS URL or
// issuer is missing and ALLOW_NO_TOKEN is not set; the sink URL falls back
// to a local NATS address when unset.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:                envOrDefault("BROKER_HTTP_ADDR", ":8080"),
		DBDriver:                envOrDefault("BROKER_DB_DRIVER", "sqlite"),
		DBDSN:                   envOrDefault("BROKER_DB_DSN", "./broker.db"),
		SessionsEnabled:         envBoolOrDefault("BROKER_SESSIONS_ENABLED", true),
		CreditsEnabled:          envBoolOrDefault("BROKER_CREDITS_ENABLED", true),
		PlatformSettingsEnabled: envBoolOrDefault("BROKER_PLATFORM_SETTINGS_ENABLED", true),
		UserPoolID:              os.Getenv("BROKER_USER_POOL_ID"),
		Region:                  envOrDefault("BROKER_REGION", "us-east-1"),
		Issuer:                  os.Getenv("BROKER_ISSUER"),
		JWKSURL:                 os.Getenv("BROKER_JWKS_URL"),
		Environment:             envOrDefault("BROKER_ENV", "production"),
		AllowNoToken:            envBoolOrDefault("BROKER_ALLOW_NO_TOKEN", false),
		SinkURL:                 envOrDefault("BROKER_SINK_URL", "nats://127.0.0.1:4222"),
		RedisAddr:               os.Getenv("BROKER_REDIS_ADDR"),
		RedisTTL:                envDurationOrDefault("BROKER_REDIS_TTL", 5*time.Minute),
		LenientMissingClientTarget: envBoolOrDefault("BROKER_LENIENT_MISSING_CLIENT_TARGET", false),
		StalePresenceThreshold:     envDurationOrDefault("BROKER_STALE_PRESENCE_THRESHOLD", 30*time.Minute),
		LogLevel:                   envOrDefault("BROKER_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the required fields and the ALLOW_NO_TOKEN production
// gate: dev-mode bypass must never be enabled in production.
func (c *Config) Validate() error {
	if c.AllowNoToken && c.Environment == "production" {
		return fmt.Errorf("config: BROKER_ALLOW_NO_TOKEN must not be set when BROKER_ENV=production")
	}
	if !c.AllowNoToken {
		if c.JWKSURL == "" {
			return fmt.Errorf("config: BROKER_JWKS_URL is required unless BROKER_ALLOW_NO_TOKEN is set")
		}
		if c.Issuer == "" {
			return fmt.Errorf("config: BROKER_ISSUER is required unless BROKER_ALLOW_NO_TOKEN is set")
		}
	}
	if c.SinkURL == "" {
		return fmt.Errorf("config: BROKER_SINK_URL is required")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}
