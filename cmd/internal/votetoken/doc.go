// Package votetoken owns the lifecycle of anonymous voting tokens on this side of the wire.
//
// A Store keeps at most one usable token per (voter key, election). The Issuer prefers
// the cached token and only asks the authority for a fresh one when the cache is empty;
// a conflict from the authority with an empty cache is terminal.
//
// Tokens are bearer secrets. They are never logged, and persistent backends store them
// sealed when a seal key is configured.
package votetoken
