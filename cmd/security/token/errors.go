package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("voter key secret missing")
	ErrHMACKeyTooShort = errors.New("voter key secret too short")

	ErrSealKeyMissing = errors.New("token seal key missing")
	ErrSealKeyInvalid = errors.New("token seal key invalid")
	ErrSealOpen       = errors.New("sealed token cannot be opened")
)
