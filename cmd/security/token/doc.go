// Package token provides the hashing and sealing primitives used around voting tokens.
//
// It is the single source of truth for:
//   - voter key derivation: the local key under which a voter's cached anonymous token lives.
//     The raw CPF never reaches storage or logs.
//   - at-rest sealing of cached anonymous tokens (XChaCha20-Poly1305).
//
// Environment:
//   - URNA_VOTER_KEY_SECRET: when set, voter keys are HMAC-SHA256(cpf, secret);
//     otherwise SHA-256(cpf) is used (dev mode).
//   - URNA_TOKEN_SEAL_KEY: hex-encoded 32-byte key; when set, cached tokens are sealed.
package token
