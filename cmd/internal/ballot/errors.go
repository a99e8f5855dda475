package ballot

import (
	"errors"
	"fmt"

	"urna/cmd/internal/authority"
	"urna/cmd/internal/votetoken"
)

var (
	// ErrInvalidTransition is returned for an event the current state does not accept.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNoSelection rejects a confirm while no candidate or blank is selected.
	ErrNoSelection = errors.New("no selection to confirm")

	// ErrInvalidDigit rejects input outside 0-9.
	ErrInvalidDigit = errors.New("invalid digit")

	// ErrBufferFull rejects a digit once the number has been fully typed.
	ErrBufferFull = errors.New("number already complete; press correct to change it")

	// ErrSubmitInFlight rejects a second commit while one is pending.
	ErrSubmitInFlight = errors.New("submission already in progress")

	// ErrSessionClosed is returned for any event after Completed or Aborted.
	ErrSessionClosed = errors.New("ballot session closed")

	// ErrTokenExpired ends a session whose voting token expired.
	ErrTokenExpired = errors.New("voting token expired; start again from the election list")

	// ErrNoCategories is returned for an election without categories.
	ErrNoCategories = errors.New("election has no categories")

	// ErrElectionNotOpen is returned when the election is not accepting votes.
	ErrElectionNotOpen = errors.New("election is not open for voting")

	// ErrDuplicateNumber is returned when two candidates share a number in one category.
	ErrDuplicateNumber = errors.New("duplicate candidate number in category")

	// ErrInvalidNumber is returned for a candidate number a voter could never type.
	ErrInvalidNumber = errors.New("candidate number is not a two-digit number")
)

// TransitionError names the state and event of a rejected transition.
type TransitionError struct {
	State State
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ballot: %s not accepted in state %s", e.Event, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// KindOf classifies a ballot error so a UI can pick between retry, correct and give up.
func KindOf(err error) authority.Kind {
	switch {
	case err == nil:
		return authority.KindUnknown
	case errors.Is(err, votetoken.ErrTokenOutstanding):
		return authority.KindConflict
	case errors.Is(err, ErrNoSelection),
		errors.Is(err, ErrInvalidDigit),
		errors.Is(err, ErrBufferFull),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSubmitInFlight):
		return authority.KindValidation
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrNoCategories),
		errors.Is(err, ErrElectionNotOpen),
		errors.Is(err, ErrDuplicateNumber),
		errors.Is(err, ErrInvalidNumber):
		return authority.KindTerminal
	}
	return authority.KindOf(err)
}

// MessageOf returns the message to show the voter for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, votetoken.ErrTokenOutstanding) {
		return votetoken.ErrTokenOutstanding.Error()
	}
	return authority.MessageOf(err)
}
