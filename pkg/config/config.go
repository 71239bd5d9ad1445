// Package config loads service configuration from the environment, optionally
// seeded from a .env file, plus a YAML deployment profile for per-environment
// limits.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/trustplane/attest/pkg/api"
)

// Config holds server configuration.
type Config struct {
	Env           string
	Host          string
	Port          string
	Issuer        string
	DatabaseURL   string
	SQLitePath    string
	KeyPath       string
	SigningKeyB64 string
	CommitKey     []byte
	AuditKey      []byte
	// MetricsSecret is decoded from its prefixed form; see ParseMetricsSecret.
	MetricsSecret []byte
	TTLDefault    int64
	Auth0Domain   string
	Auth0Audience string
	RedisAddr     string
	ProfilePath   string
}

// Development reports whether the service runs with relaxed key handling.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first without overriding real environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:           getenv("ENV", "development"),
		Host:          getenv("HOST", "0.0.0.0"),
		Port:          getenv("PORT", "8080"),
		Issuer:        getenv("ISSUER", "did:attest:dev"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    getenv("SQLITE_PATH", "attest.db"),
		KeyPath:       getenv("KEY_PATH", "attest_signing.key"),
		SigningKeyB64: os.Getenv("ED25519_SK_B64"),
		CommitKey:     []byte(getenv("COMMIT_KEY", "dev-commit-key")),
		AuditKey:      []byte(getenv("AUDIT_KEY", "dev-audit-key")),
		Auth0Domain:   os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience: os.Getenv("AUTH0_AUDIENCE"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		ProfilePath:   os.Getenv("PROFILE_PATH"),
	}

	ttl, err := strconv.ParseInt(getenv("TTL_DEFAULT", "600"), 10, 64)
	if err != nil || ttl <= 0 {
		return nil, api.E(api.KindConfigMissing, "TTL_DEFAULT must be a positive integer")
	}
	cfg.TTLDefault = ttl

	secretValue := os.Getenv("METRICS_SECRET")
	if secretValue == "" && cfg.Development() {
		secretValue = "raw:dev-metrics-secret"
	}
	secret, err := ParseMetricsSecret(secretValue)
	if err != nil {
		return nil, err
	}
	cfg.MetricsSecret = secret

	return cfg, nil
}

// ParseMetricsSecret decodes the metrics HMAC secret. The value must carry an
// explicit encoding prefix: "hex:" for hex-encoded bytes or "raw:" for a
// literal string. Unprefixed values are rejected rather than guessed at, since
// a hex-looking raw secret decoded as hex silently changes every tag.
func ParseMetricsSecret(value string) ([]byte, error) {
	if value == "" {
		return nil, api.E(api.KindConfigMissing, "METRICS_SECRET is required")
	}
	switch {
	case strings.HasPrefix(value, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(value, "hex:"))
		if err != nil {
			return nil, api.Wrap(api.KindConfigMissing, "METRICS_SECRET hex payload is invalid", err)
		}
		if len(b) == 0 {
			return nil, api.E(api.KindConfigMissing, "METRICS_SECRET hex payload is empty")
		}
		return b, nil
	case strings.HasPrefix(value, "raw:"):
		raw := strings.TrimPrefix(value, "raw:")
		if raw == "" {
			return nil, api.E(api.KindConfigMissing, "METRICS_SECRET raw payload is empty")
		}
		return []byte(raw), nil
	default:
		return nil, api.E(api.KindConfigMissing,
			fmt.Sprintf("METRICS_SECRET must start with %q or %q", "hex:", "raw:"))
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
