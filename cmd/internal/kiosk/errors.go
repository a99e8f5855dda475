package kiosk

import "errors"

var (
	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrInvalidToken is returned when an access token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when the kiosk session behind a token is gone.
	ErrSessionNotFound = errors.New("kiosk session not found")

	// ErrBallotNotFound is returned for unknown ballots and ballots owned by another session.
	ErrBallotNotFound = errors.New("ballot not found")
)
