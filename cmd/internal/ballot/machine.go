package ballot

import (
	"time"

	"urna/cmd/internal/authority"
)

// State is the position of a ballot in its lifecycle.
type State uint8

const (
	AwaitingToken State = iota
	TokenConfirmedIntro
	EnteringCategory
	ConfirmingCategory
	Submitting
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingToken:
		return "awaiting_token"
	case TokenConfirmedIntro:
		return "token_confirmed_intro"
	case EnteringCategory:
		return "entering_category"
	case ConfirmingCategory:
		return "confirming_category"
	case Submitting:
		return "submitting"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool { return s == Completed || s == Aborted }

// SelectionKind is the variant of a Selection.
type SelectionKind uint8

const (
	NoneYet SelectionKind = iota
	CandidateSelected
	BlankSelected
)

func (k SelectionKind) String() string {
	switch k {
	case CandidateSelected:
		return "candidate"
	case BlankSelected:
		return "blank"
	default:
		return "none"
	}
}

// Selection is the voter's in-progress choice for the current category.
type Selection struct {
	Kind      SelectionKind
	Candidate authority.Candidate
}

// Resolved reports whether the selection can be confirmed.
func (s Selection) Resolved() bool { return s.Kind == CandidateSelected || s.Kind == BlankSelected }

// Value is the vote value the selection commits: a ballot number or the blank sentinel.
func (s Selection) Value() string {
	switch s.Kind {
	case CandidateSelected:
		return s.Candidate.Number
	case BlankSelected:
		return authority.BlankValue
	default:
		return ""
	}
}

// EventType names an input to the machine.
type EventType string

const (
	EventTokenAcquired EventType = "token_acquired"
	EventAcknowledge   EventType = "acknowledge"
	EventDigit         EventType = "digit"
	EventBlank         EventType = "blank"
	EventCorrect       EventType = "correct"
	EventConfirm       EventType = "confirm"
	EventBack          EventType = "back"
	EventCommit        EventType = "commit"
	EventSubmitOK      EventType = "submit_ok"
	EventSubmitFailed  EventType = "submit_failed"
	EventExpire        EventType = "expire"
	EventAbort         EventType = "abort"
)

// Event is one input to the machine. Only the fields relevant to Type are read.
type Event struct {
	Type EventType

	Digit      byte               // EventDigit: '0'..'9'
	ValidUntil time.Time          // EventTokenAcquired
	Block      authority.BlockRef // EventSubmitOK
	Err        error              // EventSubmitFailed, EventAbort (optional reason)
}

// EffectKind tells the driver what to do after a transition.
type EffectKind uint8

const (
	EffectNone EffectKind = iota
	// EffectSubmit asks the driver to commit Pairs as one batch.
	EffectSubmit
)

// Effect is the side effect requested by a transition.
type Effect struct {
	Kind  EffectKind
	Pairs []authority.VotePair
}

// Machine is the ballot state machine. It performs no I/O and is not safe for
// concurrent use; Session serialises access.
type Machine struct {
	electionID string
	categories []Category

	state      State
	index      int
	pairs      []authority.VotePair
	buffer     string
	invalid    bool
	selection  Selection
	validUntil time.Time
	block      authority.BlockRef
	lastErr    error
	endReason  error
}

// NewMachine builds a machine in AwaitingToken for the given ordered categories.
func NewMachine(electionID string, categories []Category) (*Machine, error) {
	if electionID == "" {
		return nil, ErrInvalidTransition
	}
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}
	return &Machine{
		electionID: electionID,
		categories: append([]Category(nil), categories...),
		state:      AwaitingToken,
	}, nil
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Index returns the current category index.
func (m *Machine) Index() int { return m.index }

// Pairs returns a copy of the confirmed pairs.
func (m *Machine) Pairs() []authority.VotePair { return append([]authority.VotePair(nil), m.pairs...) }

// Apply runs one event. A rejected event returns an error and leaves the machine untouched.
func (m *Machine) Apply(ev Event) (Effect, error) {
	if m.state.Terminal() {
		return Effect{}, ErrSessionClosed
	}

	switch ev.Type {
	case EventTokenAcquired:
		if m.state != AwaitingToken {
			return m.reject(ev)
		}
		m.validUntil = ev.ValidUntil
		m.state = TokenConfirmedIntro

	case EventAcknowledge:
		if m.state != TokenConfirmedIntro {
			return m.reject(ev)
		}
		m.enter(0)

	case EventDigit:
		if m.state != EnteringCategory {
			return m.reject(ev)
		}
		if ev.Digit < '0' || ev.Digit > '9' {
			return Effect{}, ErrInvalidDigit
		}
		// Typing a number replaces a blank vote.
		if m.selection.Kind == BlankSelected {
			m.selection = Selection{}
		}
		if len(m.buffer) >= NumberWidth {
			return Effect{}, ErrBufferFull
		}
		m.buffer += string(ev.Digit)
		if len(m.buffer) == NumberWidth {
			if cand, ok := m.categories[m.index].Lookup(m.buffer); ok {
				m.selection = Selection{Kind: CandidateSelected, Candidate: cand}
			} else {
				m.invalid = true
			}
		}

	case EventBlank:
		if m.state != EnteringCategory {
			return m.reject(ev)
		}
		m.buffer, m.invalid = "", false
		m.selection = Selection{Kind: BlankSelected}

	case EventCorrect:
		if m.state != EnteringCategory {
			return m.reject(ev)
		}
		m.buffer, m.invalid = "", false
		m.selection = Selection{}

	case EventConfirm:
		if m.state != EnteringCategory {
			return m.reject(ev)
		}
		if !m.selection.Resolved() {
			return Effect{}, ErrNoSelection
		}
		m.state = ConfirmingCategory

	case EventBack:
		if m.state != ConfirmingCategory {
			return m.reject(ev)
		}
		m.state = EnteringCategory

	case EventCommit:
		switch m.state {
		case Submitting:
			return Effect{}, ErrSubmitInFlight
		case ConfirmingCategory:
		default:
			return m.reject(ev)
		}
		m.lastErr = nil
		m.pairs = append(m.pairs, authority.VotePair{
			CategoryID: m.categories[m.index].ID,
			Value:      m.selection.Value(),
		})
		if m.index < len(m.categories)-1 {
			m.enter(m.index + 1)
			return Effect{}, nil
		}
		// Selection and buffer are kept until the commit is confirmed.
		m.state = Submitting
		return Effect{Kind: EffectSubmit, Pairs: m.Pairs()}, nil

	case EventSubmitOK:
		if m.state != Submitting {
			return m.reject(ev)
		}
		m.block = ev.Block
		m.state = Completed

	case EventSubmitFailed:
		if m.state != Submitting {
			return m.reject(ev)
		}
		m.pairs = m.pairs[:len(m.pairs)-1]
		m.lastErr = ev.Err
		m.state = ConfirmingCategory

	case EventExpire:
		if m.state == Submitting {
			return Effect{}, ErrSubmitInFlight
		}
		m.abort(ErrTokenExpired)

	case EventAbort:
		if m.state == Submitting {
			return Effect{}, ErrSubmitInFlight
		}
		m.abort(ev.Err)

	default:
		return m.reject(ev)
	}
	return Effect{}, nil
}

func (m *Machine) reject(ev Event) (Effect, error) {
	return Effect{}, &TransitionError{State: m.state, Event: ev.Type}
}

func (m *Machine) enter(i int) {
	m.index = i
	m.buffer, m.invalid = "", false
	m.selection = Selection{}
	m.state = EnteringCategory
}

func (m *Machine) abort(reason error) {
	m.pairs = nil
	m.buffer, m.invalid = "", false
	m.selection = Selection{}
	m.endReason = reason
	m.state = Aborted
}
