package ballot

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"urna/cmd/internal/authority"
)

func testCategories() []Category {
	e := authority.Election{ID: "E1", Categories: []string{"Presidente", "Governador"}}
	cats, _ := BuildCategories(e, []authority.Candidate{
		{Office: "PRESIDENTE", Number: "13", Name: "Alice", Party: "PA"},
		{Office: "PRESIDENTE", Number: "22", Name: "Carla", Party: "PC"},
		{Office: "GOVERNADOR", Number: "45", Name: "Bruno", Party: "PB"},
	})
	return cats
}

func mustApply(t *testing.T, m *Machine, ev Event) Effect {
	t.Helper()
	eff, err := m.Apply(ev)
	if err != nil {
		t.Fatalf("Apply(%s) in %s: %v", ev.Type, m.State(), err)
	}
	return eff
}

func typeNumber(t *testing.T, m *Machine, n string) {
	t.Helper()
	for i := 0; i < len(n); i++ {
		mustApply(t, m, Event{Type: EventDigit, Digit: n[i]})
	}
}

func startedMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine("E1", testCategories())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	mustApply(t, m, Event{Type: EventTokenAcquired, ValidUntil: time.Now().Add(15 * time.Minute)})
	mustApply(t, m, Event{Type: EventAcknowledge})
	return m
}

func TestMachine_ScenarioCandidateThenBlank(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)
	cats := testCategories()

	typeNumber(t, m, "13")
	mustApply(t, m, Event{Type: EventConfirm})
	mustApply(t, m, Event{Type: EventCommit})

	if m.State() != EnteringCategory || m.Index() != 1 {
		t.Fatalf("expected second category, got %s/%d", m.State(), m.Index())
	}

	typeNumber(t, m, "99")
	snap := m.Snapshot(time.Now())
	if !snap.InvalidNumber || snap.Selection.Kind != NoneYet {
		t.Fatalf("99 must be flagged invalid with no selection: %+v", snap)
	}
	if _, err := m.Apply(Event{Type: EventConfirm}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("confirm with invalid number: %v", err)
	}

	mustApply(t, m, Event{Type: EventBlank})
	mustApply(t, m, Event{Type: EventConfirm})
	eff := mustApply(t, m, Event{Type: EventCommit})

	if m.State() != Submitting || eff.Kind != EffectSubmit {
		t.Fatalf("expected submit effect in Submitting, got %s/%v", m.State(), eff.Kind)
	}
	want := []authority.VotePair{
		{CategoryID: cats[0].ID, Value: "13"},
		{CategoryID: cats[1].ID, Value: authority.BlankValue},
	}
	if len(eff.Pairs) != len(want) || eff.Pairs[0] != want[0] || eff.Pairs[1] != want[1] {
		t.Fatalf("pairs = %+v, want %+v", eff.Pairs, want)
	}

	mustApply(t, m, Event{Type: EventSubmitOK, Block: authority.BlockRef{Hash: "0xabc"}})
	if m.State() != Completed {
		t.Fatalf("expected Completed, got %s", m.State())
	}
	if _, err := m.Apply(Event{Type: EventAbort}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("event after completion: %v", err)
	}
}

func TestMachine_ConfirmRejectedWithoutSelection(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)

	before := m.Snapshot(time.Time{})
	if _, err := m.Apply(Event{Type: EventConfirm}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
	typeNumber(t, m, "1")
	if _, err := m.Apply(Event{Type: EventConfirm}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection with partial number, got %v", err)
	}
	mustApply(t, m, Event{Type: EventCorrect})
	after := m.Snapshot(time.Time{})
	if after.State != before.State || after.CategoryIndex != before.CategoryIndex || len(after.Pairs) != 0 {
		t.Fatalf("rejected confirm changed state: %+v -> %+v", before, after)
	}
}

func TestMachine_DigitRules(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)

	if _, err := m.Apply(Event{Type: EventDigit, Digit: 'x'}); !errors.Is(err, ErrInvalidDigit) {
		t.Fatalf("non-digit: %v", err)
	}
	typeNumber(t, m, "22")
	if _, err := m.Apply(Event{Type: EventDigit, Digit: '1'}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("third digit: %v", err)
	}
	snap := m.Snapshot(time.Time{})
	if snap.Selection.Name != "Carla" || snap.Buffer != "22" {
		t.Fatalf("unexpected selection: %+v", snap.Selection)
	}

	mustApply(t, m, Event{Type: EventBlank})
	if snap := m.Snapshot(time.Time{}); snap.Buffer != "" || snap.Selection.Kind != BlankSelected {
		t.Fatalf("blank must clear buffer: %+v", snap)
	}
	mustApply(t, m, Event{Type: EventDigit, Digit: '1'})
	if snap := m.Snapshot(time.Time{}); snap.Buffer != "1" || snap.Selection.Kind != NoneYet {
		t.Fatalf("digit after blank must start a number: %+v", snap)
	}
	if _, err := m.Apply(Event{Type: EventConfirm}); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("confirm with half-typed number: %v", err)
	}
	mustApply(t, m, Event{Type: EventDigit, Digit: '3'})
	if snap := m.Snapshot(time.Time{}); snap.Selection.Kind != CandidateSelected || snap.Selection.Name != "Alice" {
		t.Fatalf("number typed after blank: %+v", snap.Selection)
	}
}

func TestMachine_BackKeepsSelection(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)

	typeNumber(t, m, "13")
	mustApply(t, m, Event{Type: EventConfirm})
	mustApply(t, m, Event{Type: EventBack})

	snap := m.Snapshot(time.Time{})
	if snap.State != EnteringCategory || snap.Selection.Number != "13" || len(snap.Pairs) != 0 {
		t.Fatalf("back must return to entry with selection: %+v", snap)
	}
}

func TestMachine_SubmitFailureRevertsToLastReview(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)

	typeNumber(t, m, "13")
	mustApply(t, m, Event{Type: EventConfirm})
	mustApply(t, m, Event{Type: EventCommit})
	typeNumber(t, m, "45")
	mustApply(t, m, Event{Type: EventConfirm})
	mustApply(t, m, Event{Type: EventCommit})

	if _, err := m.Apply(Event{Type: EventCommit}); !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("second commit while submitting: %v", err)
	}
	if _, err := m.Apply(Event{Type: EventAbort}); !errors.Is(err, ErrSubmitInFlight) {
		t.Fatalf("abort while submitting: %v", err)
	}

	cause := &authority.Error{Op: "submit_batch", Kind: authority.KindTransient, Message: "timeout"}
	mustApply(t, m, Event{Type: EventSubmitFailed, Err: cause})

	snap := m.Snapshot(time.Time{})
	if snap.State != ConfirmingCategory || snap.CategoryIndex != 1 {
		t.Fatalf("expected review of last category, got %s/%d", snap.State, snap.CategoryIndex)
	}
	if len(snap.Pairs) != 1 || snap.Selection.Number != "45" || snap.Buffer != "45" {
		t.Fatalf("selection must be retained and last pair not appended: %+v", snap)
	}
	if snap.Error == nil || snap.Error.Kind != authority.KindTransient {
		t.Fatalf("expected transient error view, got %+v", snap.Error)
	}

	eff := mustApply(t, m, Event{Type: EventCommit})
	if eff.Kind != EffectSubmit || len(eff.Pairs) != 2 {
		t.Fatalf("retry must resubmit the same batch: %+v", eff)
	}
}

func TestMachine_AbortDiscardsPairs(t *testing.T) {
	t.Parallel()
	m := startedMachine(t)

	typeNumber(t, m, "13")
	mustApply(t, m, Event{Type: EventConfirm})
	mustApply(t, m, Event{Type: EventCommit})
	mustApply(t, m, Event{Type: EventAbort})

	if m.State() != Aborted || len(m.Pairs()) != 0 {
		t.Fatalf("abort must discard pairs: %s %v", m.State(), m.Pairs())
	}
}

func TestMachine_RejectsOutOfOrderEvents(t *testing.T) {
	t.Parallel()
	m, _ := NewMachine("E1", testCategories())

	for _, ev := range []EventType{EventAcknowledge, EventDigit, EventConfirm, EventCommit, EventSubmitOK} {
		_, err := m.Apply(Event{Type: ev, Digit: '1'})
		var te *TransitionError
		if !errors.As(err, &te) || te.State != AwaitingToken {
			t.Fatalf("%s in AwaitingToken: %v", ev, err)
		}
	}
}

// Pairs stay aligned with the category order under any event sequence.
func TestMachine_PairsAlignedUnderRandomEvents(t *testing.T) {
	t.Parallel()

	cats := testCategories()
	events := []EventType{EventDigit, EventBlank, EventCorrect, EventConfirm, EventBack, EventCommit, EventSubmitFailed, EventSubmitOK, EventAbort}
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 500; run++ {
		m := startedMachine(t)
		for step := 0; step < 40 && !m.State().Terminal(); step++ {
			ev := Event{Type: events[rng.IntN(len(events))], Digit: byte('0' + rng.IntN(10))}
			if ev.Type == EventSubmitFailed {
				ev.Err = errors.New("boom")
			}
			if ev.Type == EventAbort && rng.IntN(8) != 0 {
				continue
			}
			before := m.Snapshot(time.Time{})
			_, err := m.Apply(ev)
			if err != nil {
				after := m.Snapshot(time.Time{})
				if after.State != before.State || after.CategoryIndex != before.CategoryIndex ||
					len(after.Pairs) != len(before.Pairs) || after.Buffer != before.Buffer {
					t.Fatalf("run %d: rejected %s mutated state", run, ev.Type)
				}
			}
			checkPairsInvariant(t, m, cats)
		}
	}
}

func checkPairsInvariant(t *testing.T, m *Machine, cats []Category) {
	t.Helper()
	pairs := m.Pairs()

	switch m.State() {
	case EnteringCategory, ConfirmingCategory:
		if len(pairs) != m.Index() {
			t.Fatalf("%s: len(pairs)=%d index=%d", m.State(), len(pairs), m.Index())
		}
	case Submitting, Completed:
		if len(pairs) != len(cats) {
			t.Fatalf("%s: len(pairs)=%d categories=%d", m.State(), len(pairs), len(cats))
		}
	case Aborted:
		if len(pairs) != 0 {
			t.Fatalf("aborted with pairs %v", pairs)
		}
	}
	for i, p := range pairs {
		if p.CategoryID != cats[i].ID {
			t.Fatalf("pair %d is %s, want %s", i, p.CategoryID, cats[i].ID)
		}
		if p.Value == "" {
			t.Fatalf("pair %d has empty value", i)
		}
	}
}

func TestIntroNotice(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)

	got := IntroNotice(now, now.Add(15*time.Minute))
	if got != "You have 15 minutes to finish voting. Your votes are only sent after the last category." {
		t.Fatalf("IntroNotice = %q", got)
	}
	if got := IntroNotice(now, now); got != "Your voting token has expired." {
		t.Fatalf("IntroNotice(expired) = %q", got)
	}
}
