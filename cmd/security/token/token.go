package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// VoterKeySecretEnv is the env var name for the voter-key HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	VoterKeySecretEnv = "URNA_VOTER_KEY_SECRET"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// VoterKeySecretFromEnv returns the configured secret bytes (trimmed), enforcing a minimum length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func VoterKeySecretFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(VoterKeySecretEnv))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// NormalizeCPF strips everything but digits, as the authority expects on login.
func NormalizeCPF(cpf string) string {
	var b strings.Builder
	b.Grow(len(cpf))
	for _, r := range cpf {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// VoterKey derives the stable local key for a voter.
// Behavior:
// - If URNA_VOTER_KEY_SECRET is set (non-empty), uses HMAC-SHA256(cpf, secret).
// - Otherwise falls back to SHA-256(cpf) for dev.
// The CPF is normalized first so "123.456.789-09" and "12345678909" map to the same key.
func VoterKey(cpf string) string {
	cpf = NormalizeCPF(cpf)
	key := strings.TrimSpace(os.Getenv(VoterKeySecretEnv))
	if key == "" {
		return HashSHA256Hex(cpf)
	}
	return HashHMACSHA256Hex(cpf, []byte(key))
}

// ShortKey truncates a voter key for log lines.
func ShortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12]
}
