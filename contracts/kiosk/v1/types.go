// Package v1 defines the kiosk stream protocol v1 contract.
//
// It is shared between the kiosk daemon and UI clients so the wire shape has one owner.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol a client must request.
const Subprotocol = "urna.kiosk.v1"

// Type constants (wire-stable).
const (
	// TypeSnapshot carries the ballot view after a transition (server -> client).
	TypeSnapshot = "snapshot"
	// TypeEvent dispatches a voter event into the ballot (client -> server).
	TypeEvent = "event"
	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Event names a client may send.
const (
	EventAcknowledge = "acknowledge"
	EventDigit       = "digit"
	EventBlank       = "blank"
	EventCorrect     = "correct"
	EventConfirm     = "confirm"
	EventBack        = "back"
	EventCommit      = "commit"
	EventAbort       = "abort"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeSnapshot, TypeEvent, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// EventPayload is a voter event. Digit is set only for EventDigit.
type EventPayload struct {
	Type  string `json:"type"`
	Digit string `json:"digit,omitempty"`
}

// Validate checks the event name and digit.
func (p EventPayload) Validate() error {
	switch p.Type {
	case EventDigit:
		if len(p.Digit) != 1 || p.Digit[0] < '0' || p.Digit[0] > '9' {
			return fmt.Errorf("digit must be a single 0-9 character, got %q", p.Digit)
		}
		return nil
	case EventAcknowledge, EventBlank, EventCorrect, EventConfirm, EventBack, EventCommit, EventAbort:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown event: %q", p.Type)
	}
}

// SnapshotPayload is the observable state of one ballot. It never carries the voting token.
type SnapshotPayload struct {
	BallotID      string        `json:"ballot_id"`
	ElectionID    string        `json:"election_id"`
	State         string        `json:"state"`
	CategoryIndex int           `json:"category_index"`
	CategoryCount int           `json:"category_count"`
	Category      *CategoryView `json:"category,omitempty"`
	Buffer        string        `json:"buffer"`
	InvalidNumber bool          `json:"invalid_number"`
	Selection     SelectionView `json:"selection"`
	Confirmed     []VoteView    `json:"confirmed"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	Notice        string        `json:"notice,omitempty"`
	BlockHash     string        `json:"block_hash,omitempty"`
	Error         *ErrorPayload `json:"error,omitempty"`
	Version       uint64        `json:"version"`
}

// CategoryView is the category on screen.
type CategoryView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SelectionView is the current selection. Kind is none, candidate or blank.
type SelectionView struct {
	Kind   string `json:"kind"`
	Number string `json:"number,omitempty"`
	Name   string `json:"name,omitempty"`
	Party  string `json:"party,omitempty"`
}

// VoteView is one confirmed category/value pair.
type VoteView struct {
	CategoryID string `json:"category_id"`
	Value      string `json:"value"`
}

// ErrorPayload is a generic error payload. Kind is transient, conflict, validation or terminal.
type ErrorPayload struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}
