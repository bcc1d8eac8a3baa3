// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development; the demo
// runs with no environment at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. Populated from environment
// variables at startup and passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// Addr is the HTTP listen address (default: ":8443").
	Addr string

	// TLS holds the optional certificate pair. When both paths are set the
	// server listens with TLS and a plain-HTTP redirect listener is started
	// on RedirectAddr.
	TLS TLSConfig

	// LogLevel controls slog verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// Redis holds optional Redis connection settings. When Addr is empty all
	// registries stay in process memory.
	Redis RedisConfig

	// Session holds session cookie and rotation settings.
	Session SessionConfig

	// Password holds hashing parameters and policy thresholds.
	Password PasswordConfig

	// Reset holds reset-token issuance settings.
	Reset ResetConfig

	// MFA holds challenge settings shared by the login and recovery flows.
	MFA MFAConfig

	// Rate holds rate limiter windows and backoff tuning.
	Rate RateConfig

	// Demo holds simulation shortcuts that a production deployment would
	// never enable.
	Demo DemoConfig

	// Seed describes the demo account created at startup.
	Seed SeedConfig
}

// TLSConfig holds the certificate pair for HTTPS serving.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	RedirectAddr string
}

// RedisConfig holds Redis connection settings for the optional
// Redis-backed stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all keys written by this process.
	Prefix string
}

// Enabled reports whether Redis-backed stores should be used.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// SessionConfig holds session cookie and signing settings.
type SessionConfig struct {
	// CookieName is the session cookie name (default: "sid").
	CookieName string

	// SigningKey is the HMAC key used to sign session cookies. Generated at
	// startup when empty, which means sessions do not survive restarts —
	// acceptable for a process-lifetime demo.
	SigningKey []byte

	// Lifetime bounds how long a session id is honored.
	Lifetime time.Duration
}

// PasswordConfig holds argon2id parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MinLength is the policy minimum; the observed variants use 10 or 12.
	MinLength int
}

// ResetConfig holds reset token issuance settings.
type ResetConfig struct {
	TokenTTL time.Duration
	// RequireMFA gates the recovery flow behind an MFA challenge between
	// token verification and password set.
	RequireMFA bool
	// EnumerationDelay pads the unknown-identifier branch of request-reset
	// so both branches converge in wall-clock time.
	EnumerationDelay time.Duration
}

// MFAConfig holds MFA challenge settings.
type MFAConfig struct {
	CodeDigits   int
	ChallengeTTL time.Duration
	MaxAttempts  int
}

// RateConfig holds rate limiter tuning.
type RateConfig struct {
	LoginLimit   int
	RequestLimit int
	VerifyLimit  int
	Window       time.Duration
	BlockBase    time.Duration
	BlockMax     time.Duration
}

// DemoConfig holds simulation shortcuts.
type DemoConfig struct {
	// RevealSecrets includes issued reset tokens and MFA codes in API
	// responses so the embedded client can display them. This stands in for
	// an out-of-band delivery channel and is not a production pattern.
	RevealSecrets bool

	// DeterministicCodes derives MFA codes from the challenge id instead of
	// random bytes. Test-mode reproducibility only.
	DeterministicCodes bool
}

// SeedConfig describes the demo account created at startup.
type SeedConfig struct {
	Identifier string
	Password   string
	MFAEnabled bool
}

// Load reads configuration from environment variables, applying development
// defaults for anything unset. It returns an error only for values that are
// present but unparsable.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("RESETFLOW_ENV", "development"),
		Addr:     getEnv("RESETFLOW_ADDR", ":8443"),
		LogLevel: getEnv("RESETFLOW_LOG_LEVEL", "info"),
		TLS: TLSConfig{
			CertFile:     getEnv("RESETFLOW_TLS_CERT", ""),
			KeyFile:      getEnv("RESETFLOW_TLS_KEY", ""),
			RedirectAddr: getEnv("RESETFLOW_REDIRECT_ADDR", ":8080"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("RESETFLOW_REDIS_ADDR", ""),
			Password: getEnv("RESETFLOW_REDIS_PASSWORD", ""),
			Prefix:   getEnv("RESETFLOW_REDIS_PREFIX", "rf"),
		},
		Session: SessionConfig{
			CookieName: getEnv("RESETFLOW_SESSION_COOKIE", "sid"),
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Seed: SeedConfig{
			Identifier: getEnv("RESETFLOW_SEED_IDENTIFIER", "alex"),
			Password:   getEnv("RESETFLOW_SEED_PASSWORD", "Expired1!Pass"),
		},
	}

	var err error
	if cfg.Redis.DB, err = getEnvInt("RESETFLOW_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Session.Lifetime, err = getEnvDuration("RESETFLOW_SESSION_LIFETIME", 12*time.Hour); err != nil {
		return nil, err
	}
	if key := os.Getenv("RESETFLOW_SESSION_KEY"); key != "" {
		cfg.Session.SigningKey = []byte(key)
	}
	if cfg.Password.MinLength, err = getEnvInt("RESETFLOW_PASSWORD_MIN_LENGTH", 12); err != nil {
		return nil, err
	}
	if cfg.Password.MinLength != 10 && cfg.Password.MinLength != 12 {
		return nil, fmt.Errorf("config: RESETFLOW_PASSWORD_MIN_LENGTH must be 10 or 12, got %d", cfg.Password.MinLength)
	}

	if cfg.Reset.TokenTTL, err = getEnvDuration("RESETFLOW_RESET_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Reset.RequireMFA, err = getEnvBool("RESETFLOW_RESET_REQUIRE_MFA", true); err != nil {
		return nil, err
	}
	if cfg.Reset.EnumerationDelay, err = getEnvDuration("RESETFLOW_RESET_ENUM_DELAY", 30*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.MFA.CodeDigits, err = getEnvInt("RESETFLOW_MFA_DIGITS", 6); err != nil {
		return nil, err
	}
	if cfg.MFA.ChallengeTTL, err = getEnvDuration("RESETFLOW_MFA_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MFA.MaxAttempts, err = getEnvInt("RESETFLOW_MFA_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	if cfg.Rate.LoginLimit, err = getEnvInt("RESETFLOW_RATE_LOGIN_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.Rate.RequestLimit, err = getEnvInt("RESETFLOW_RATE_REQUEST_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.Rate.VerifyLimit, err = getEnvInt("RESETFLOW_RATE_VERIFY_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.Rate.Window, err = getEnvDuration("RESETFLOW_RATE_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Rate.BlockBase, err = getEnvDuration("RESETFLOW_RATE_BLOCK_BASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Rate.BlockMax, err = getEnvDuration("RESETFLOW_RATE_BLOCK_MAX", 15*time.Minute); err != nil {
		return nil, err
	}

	if cfg.Demo.RevealSecrets, err = getEnvBool("RESETFLOW_DEMO_REVEAL_SECRETS", true); err != nil {
		return nil, err
	}
	if cfg.Demo.DeterministicCodes, err = getEnvBool("RESETFLOW_DEMO_DETERMINISTIC_CODES", false); err != nil {
		return nil, err
	}
	if cfg.Seed.MFAEnabled, err = getEnvBool("RESETFLOW_SEED_MFA", true); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration like 10m, got %q", key, v)
	}
	return d, nil
}
