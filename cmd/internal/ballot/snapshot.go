package ballot

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"urna/cmd/internal/authority"
)

// Snapshot is an observer's read-only view of a session. It never carries the token.
type Snapshot struct {
	SessionID     string
	ElectionID    string
	State         State
	CategoryIndex int
	CategoryCount int
	Category      CategoryView
	Buffer        string
	InvalidNumber bool
	Selection     SelectionView
	Pairs         []authority.VotePair
	ExpiresAt     time.Time
	Notice        string
	BlockHash     string
	Error         *ErrorView
	Version       uint64
}

// CategoryView describes the category on screen.
type CategoryView struct {
	ID   string
	Name string
}

// SelectionView describes the current selection.
type SelectionView struct {
	Kind   SelectionKind
	Number string
	Name   string
	Party  string
}

// ErrorView is the structured error a UI needs to react.
type ErrorView struct {
	Kind    authority.Kind
	Message string
}

// Snapshot renders the machine at now.
func (m *Machine) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		ElectionID:    m.electionID,
		State:         m.state,
		CategoryIndex: m.index,
		CategoryCount: len(m.categories),
		Buffer:        m.buffer,
		InvalidNumber: m.invalid,
		Pairs:         m.Pairs(),
		ExpiresAt:     m.validUntil,
		BlockHash:     m.block.Hash,
	}
	if !m.state.Terminal() && m.state != AwaitingToken {
		c := m.categories[m.index]
		s.Category = CategoryView{ID: c.ID, Name: c.Name}
		s.Selection = SelectionView{Kind: m.selection.Kind}
		if m.selection.Kind == CandidateSelected {
			s.Selection.Number = m.selection.Candidate.Number
			s.Selection.Name = m.selection.Candidate.Name
			s.Selection.Party = m.selection.Candidate.Party
		}
	}
	if m.state == TokenConfirmedIntro {
		s.Notice = IntroNotice(now, m.validUntil)
	}

	switch err := m.errorForView(); {
	case err != nil:
		s.Error = &ErrorView{Kind: KindOf(err), Message: MessageOf(err)}
	case m.invalid:
		s.Error = &ErrorView{Kind: authority.KindValidation, Message: "invalid number"}
	}
	return s
}

func (m *Machine) errorForView() error {
	if m.state == Aborted && m.endReason != nil {
		return m.endReason
	}
	return m.lastErr
}

// IntroNotice is the time-limit notice shown before the first category.
func IntroNotice(now, validUntil time.Time) string {
	if !now.Before(validUntil) {
		return "Your voting token has expired."
	}
	rel := strings.TrimSpace(humanize.RelTime(now, validUntil, "", ""))
	return fmt.Sprintf("You have %s to finish voting. Your votes are only sent after the last category.", rel)
}
