package votetoken

import (
	"strings"
	"time"
)

// Token is a cached anonymous voting token.
type Token struct {
	Value      string
	ElectionID string
	ValidUntil time.Time
	Used       bool
}

// Usable reports whether the token may still be spent at now.
func (t Token) Usable(now time.Time) bool {
	return t.Value != "" && !t.Used && now.Before(t.ValidUntil)
}

// Remaining is the time left before the token expires, never negative.
func (t Token) Remaining(now time.Time) time.Duration {
	if d := t.ValidUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Voter identifies who a token is acquired for.
//
// Key is the derived voter key (never the raw CPF). Bearer is the authority session
// credential and is only used to call the issuance endpoint.
type Voter struct {
	Key    string
	Bearer string
}

func validKeys(voterKey, electionID string) bool {
	return strings.TrimSpace(voterKey) != "" && strings.TrimSpace(electionID) != ""
}

// rowKey is the associated data that binds a sealed token to its entry.
func rowKey(voterKey, electionID string) string {
	return voterKey + "\x00" + electionID
}
