package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected development env, got %q", cfg.Env)
	}
	if cfg.Password.MinLength != 12 {
		t.Errorf("expected default min length 12, got %d", cfg.Password.MinLength)
	}
	if cfg.Reset.TokenTTL != 10*time.Minute {
		t.Errorf("expected 10m reset TTL, got %v", cfg.Reset.TokenTTL)
	}
	if cfg.MFA.MaxAttempts != 5 {
		t.Errorf("expected 5 MFA attempts, got %d", cfg.MFA.MaxAttempts)
	}
	if cfg.Redis.Enabled() {
		t.Error("expected Redis disabled by default")
	}
	if !cfg.Demo.RevealSecrets {
		t.Error("expected demo secret reveal on by default")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"RESETFLOW_PASSWORD_MIN_LENGTH", "8"},
		{"RESETFLOW_PASSWORD_MIN_LENGTH", "abc"},
		{"RESETFLOW_RESET_TTL", "ten minutes"},
		{"RESETFLOW_SEED_MFA", "maybe"},
		{"RESETFLOW_REDIS_DB", "one"},
	}

	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESETFLOW_PASSWORD_MIN_LENGTH", "10")
	t.Setenv("RESETFLOW_RATE_LOGIN_LIMIT", "3")
	t.Setenv("RESETFLOW_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Password.MinLength != 10 {
		t.Errorf("expected min length 10, got %d", cfg.Password.MinLength)
	}
	if cfg.Rate.LoginLimit != 3 {
		t.Errorf("expected login limit 3, got %d", cfg.Rate.LoginLimit)
	}
	if !cfg.Redis.Enabled() {
		t.Error("expected Redis enabled")
	}
}
