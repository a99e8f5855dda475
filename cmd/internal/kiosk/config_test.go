package kiosk

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_MissingSecretKey(t *testing.T) {
	t.Setenv("URNA_KIOSK_PASETO_V4_SECRET_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidValues(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	cases := map[string]string{
		"URNA_KIOSK_ACCESS_TTL":       "-5m",
		"URNA_KIOSK_SESSION_IDLE_TTL": "0s",
		"URNA_KIOSK_CLOCK_SKEW":       "soon",
		"URNA_KIOSK_MAX_BODY_BYTES":   "10",
		"URNA_KIOSK_LOGIN_MAX":        "0",
		"URNA_KIOSK_ORIGIN_REQUIRED":  "maybe",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("URNA_KIOSK_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
			t.Setenv(key, val)
			if _, err := LoadConfigFromEnv(); err != ErrConfig {
				t.Fatalf("expected ErrConfig for %s=%s, got %v", key, val, err)
			}
		})
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("URNA_KIOSK_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("URNA_KIOSK_ISSUER", "urna-test")
	t.Setenv("URNA_KIOSK_ACCESS_TTL", "10m")
	t.Setenv("URNA_KIOSK_CLOCK_SKEW", "0s")
	t.Setenv("URNA_KIOSK_SESSION_IDLE_TTL", "30s")
	t.Setenv("URNA_KIOSK_ALLOWED_ORIGINS", "http://kiosk.local:8080, ,http://localhost")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Issuer != "urna-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.ClockSkew != 0 {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://kiosk.local:8080" {
		t.Fatalf("origins mismatch: %v", cfg.AllowedOrigins)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Fatalf("sweep interval not clamped: %v", cfg.SweepInterval)
	}
}
