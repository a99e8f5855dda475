package app

import (
	"errors"
	"log/slog"

	"urna/cmd/security/token"
)

// ValidateSecurityConfig enforces the key policy at startup.
// Fail-fast: a kiosk must not silently store tokens in clear or fall back to unkeyed voter hashes.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.RequireTokenSeal {
		if _, err := token.SealKeyFromEnv(); err != nil {
			switch {
			case errors.Is(err, token.ErrSealKeyMissing):
				return errors.New("security policy: URNA_REQUIRE_TOKEN_SEAL=true but URNA_TOKEN_SEAL_KEY is missing")
			case errors.Is(err, token.ErrSealKeyInvalid):
				return errors.New("security policy: URNA_TOKEN_SEAL_KEY must be 32 bytes hex-encoded")
			default:
				return err
			}
		}
	}

	if cfg.RequireVoterKeySecret {
		if _, err := token.VoterKeySecretFromEnv(32); err != nil {
			switch {
			case errors.Is(err, token.ErrHMACKeyMissing):
				return errors.New("security policy: URNA_REQUIRE_VOTER_KEY_SECRET=true but URNA_VOTER_KEY_SECRET is missing")
			case errors.Is(err, token.ErrHMACKeyTooShort):
				return errors.New("security policy: URNA_VOTER_KEY_SECRET is too short (min 32 bytes)")
			default:
				return err
			}
		}
	}

	return nil
}

// loadSealer returns nil when no seal key is configured.
// A configured but malformed key is always an error, whatever the policy says.
func loadSealer(log *slog.Logger) (*token.Sealer, error) {
	key, err := token.SealKeyFromEnv()
	switch {
	case errors.Is(err, token.ErrSealKeyMissing):
		log.Warn("token.seal.disabled", "env", token.SealKeyEnv)
		return nil, nil
	case err != nil:
		return nil, err
	}
	return token.NewSealer(key)
}
