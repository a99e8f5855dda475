package token

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestVoterKey_NormalizesCPF(t *testing.T) {
	t.Setenv(VoterKeySecretEnv, "")

	a := VoterKey("123.456.789-09")
	b := VoterKey("12345678909")
	if a != b {
		t.Fatalf("VoterKey mismatch: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64-char hex, got %d", len(a))
	}
	if strings.Contains(a, "12345678909") {
		t.Fatalf("voter key must not contain the cpf")
	}
}

func TestVoterKey_HMACModeDiffersFromSHA(t *testing.T) {
	t.Setenv(VoterKeySecretEnv, "")
	plain := VoterKey("12345678909")

	t.Setenv(VoterKeySecretEnv, strings.Repeat("k", 32))
	keyed := VoterKey("12345678909")

	if plain == keyed {
		t.Fatalf("expected HMAC key to differ from SHA-256 fallback")
	}
	if keyed != HashHMACSHA256Hex("12345678909", []byte(strings.Repeat("k", 32))) {
		t.Fatalf("HMAC key mismatch")
	}
}

func TestVoterKeySecretFromEnv(t *testing.T) {
	t.Setenv(VoterKeySecretEnv, "")
	if _, err := VoterKeySecretFromEnv(32); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}

	t.Setenv(VoterKeySecretEnv, "short")
	if _, err := VoterKeySecretFromEnv(32); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}

	t.Setenv(VoterKeySecretEnv, strings.Repeat("x", 40))
	if _, err := VoterKeySecretFromEnv(32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := s.Seal("anon-token-123", "voter|E1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "anon-token-123") {
		t.Fatalf("sealed value leaks plaintext: %q", sealed)
	}

	got, err := s.Open(sealed, "voter|E1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "anon-token-123" {
		t.Fatalf("Open=%q want=%q", got, "anon-token-123")
	}

	if _, err := s.Open(sealed, "voter|E2"); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("expected ErrSealOpen for mismatched ad, got %v", err)
	}
	if _, err := s.Open("v1.AAAA", "voter|E1"); !errors.Is(err, ErrSealOpen) {
		t.Fatalf("expected ErrSealOpen for short input, got %v", err)
	}
}

func TestSealKeyFromEnv(t *testing.T) {
	t.Setenv(SealKeyEnv, "")
	if _, err := SealKeyFromEnv(); !errors.Is(err, ErrSealKeyMissing) {
		t.Fatalf("expected ErrSealKeyMissing, got %v", err)
	}

	t.Setenv(SealKeyEnv, "zz")
	if _, err := SealKeyFromEnv(); !errors.Is(err, ErrSealKeyInvalid) {
		t.Fatalf("expected ErrSealKeyInvalid, got %v", err)
	}

	t.Setenv(SealKeyEnv, strings.Repeat("ab", 32))
	k, err := SealKeyFromEnv()
	if err != nil || len(k) != 32 {
		t.Fatalf("SealKeyFromEnv: len=%d err=%v", len(k), err)
	}
}
