package kiosk

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the kiosk gateway.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL is the lifetime of kiosk access tokens.
	AccessTokenTTL time.Duration

	// ClockSkew is the tolerance applied when verifying tokens.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key for v4.public tokens.
	PasetoV4SecretKeyHex string

	MaxBodyBytes int64

	// AllowedOrigins is the snapshot stream origin allowlist. Empty origins are
	// accepted only when OriginRequired is false.
	AllowedOrigins []string
	OriginRequired bool

	// SessionIdleTTL is how long a kiosk session or ballot may sit untouched before the sweeper aborts it.
	SessionIdleTTL time.Duration
	SweepInterval  time.Duration

	LoginMax    int
	LoginWindow time.Duration

	StreamRateEvents int
	StreamRateWindow time.Duration
	StreamWriteTO    time.Duration
	StreamReadIdle   time.Duration
}

// DefaultConfig returns a development configuration. The signing key is left empty.
func DefaultConfig() Config {
	return Config{
		Issuer:           "urna-kiosk",
		AccessTokenTTL:   30 * time.Minute,
		ClockSkew:        30 * time.Second,
		MaxBodyBytes:     64 << 10,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:   true,
		SessionIdleTTL:   20 * time.Minute,
		SweepInterval:    30 * time.Second,
		LoginMax:         5,
		LoginWindow:      5 * time.Minute,
		StreamRateEvents: 30,
		StreamRateWindow: 10 * time.Second,
		StreamWriteTO:    5 * time.Second,
		StreamReadIdle:   2 * time.Minute,
	}
}

// LoadConfigFromEnv loads kiosk configuration from environment variables.
//
// Required:
//   - URNA_KIOSK_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - URNA_KIOSK_ISSUER
//   - URNA_KIOSK_ACCESS_TTL
//   - URNA_KIOSK_CLOCK_SKEW
//   - URNA_KIOSK_MAX_BODY_BYTES
//   - URNA_KIOSK_ALLOWED_ORIGINS (comma separated)
//   - URNA_KIOSK_ORIGIN_REQUIRED
//   - URNA_KIOSK_SESSION_IDLE_TTL
//   - URNA_KIOSK_LOGIN_MAX, URNA_KIOSK_LOGIN_WINDOW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("URNA_KIOSK_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"URNA_KIOSK_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"URNA_KIOSK_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"URNA_KIOSK_SESSION_IDLE_TTL", &cfg.SessionIdleTTL, false},
		{"URNA_KIOSK_LOGIN_WINDOW", &cfg.LoginWindow, false},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("URNA_KIOSK_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1024 {
			return Config{}, ErrConfig
		}
		cfg.MaxBodyBytes = n
	}

	if v := os.Getenv("URNA_KIOSK_LOGIN_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, ErrConfig
		}
		cfg.LoginMax = n
	}

	if v := os.Getenv("URNA_KIOSK_ORIGIN_REQUIRED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.OriginRequired = b
	}

	if v := strings.TrimSpace(os.Getenv("URNA_KIOSK_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("URNA_KIOSK_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	// The sweeper must run well inside the idle window.
	if cfg.SweepInterval > cfg.SessionIdleTTL/2 {
		cfg.SweepInterval = cfg.SessionIdleTTL / 2
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
