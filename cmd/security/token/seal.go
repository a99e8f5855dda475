package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SealKeyEnv is the env var name for the at-rest token seal key (hex, 32 bytes).
	// #nosec G101 -- not a credential; it's an environment variable name.
	SealKeyEnv = "URNA_TOKEN_SEAL_KEY"

	sealedPrefix = "v1."
)

// Sealer encrypts cached anonymous tokens before they reach durable storage.
// The associated data binds a sealed value to its row so ciphertexts cannot be swapped between entries.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSealKeyInvalid
	}
	cp := append([]byte(nil), key...)
	return &Sealer{key: cp}, nil
}

// SealKeyFromEnv parses URNA_TOKEN_SEAL_KEY.
func SealKeyFromEnv() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(SealKeyEnv))
	if raw == "" {
		return nil, ErrSealKeyMissing
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != chacha20poly1305.KeySize {
		return nil, ErrSealKeyInvalid
	}
	return b, nil
}

// Seal encrypts plaintext and returns "v1.<base64url(nonce||ciphertext)>".
func (s *Sealer) Seal(plaintext, ad string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(ad))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any tampering or a mismatched ad yields ErrSealOpen.
func (s *Sealer) Open(sealed, ad string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrSealOpen
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", ErrSealOpen
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealOpen
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(ad))
	if err != nil {
		return "", ErrSealOpen
	}
	return string(pt), nil
}

// IsSealed reports whether v looks like a value produced by Seal.
func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }
