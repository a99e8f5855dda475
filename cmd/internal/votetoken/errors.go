package votetoken

import "errors"

var (
	// ErrInvalidInput indicates missing or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTokenOutstanding is returned when the authority reports a token was already issued
	// for this voter and election but none is cached locally. The voter may already have voted.
	ErrTokenOutstanding = errors.New("voting token already issued elsewhere; you may already have voted")

	// ErrIssuedExpired is returned when the authority hands out a token that is already expired.
	ErrIssuedExpired = errors.New("authority issued an expired token")
)
