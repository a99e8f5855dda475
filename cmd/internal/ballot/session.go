package ballot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"urna/cmd/internal/authority"
	"urna/cmd/internal/votetoken"
	"urna/cmd/security/token"
)

// TokenSource acquires the voting token for a session.
type TokenSource interface {
	Acquire(ctx context.Context, voter votetoken.Voter, electionID string) (votetoken.Token, error)
}

// Committer commits a finished ballot in one call.
type Committer interface {
	Commit(ctx context.Context, token, electionID string, pairs []authority.VotePair) (authority.BlockRef, error)
}

// Consumer marks a token spent after a confirmed commit.
type Consumer interface {
	MarkConsumed(ctx context.Context, voterKey, electionID string) error
}

// Deps are the collaborators a Session performs I/O through.
type Deps struct {
	Tokens    TokenSource
	Consumer  Consumer
	Committer Committer
	Logger    *slog.Logger
	Now       func() time.Time
}

const consumeAttempts = 3

// Session is one voter's pass through one election's ballot.
// It is safe for concurrent use; events are applied one at a time.
type Session struct {
	id         string
	voter      votetoken.Voter
	electionID string
	deps       Deps
	log        *slog.Logger

	mu         sync.Mutex
	m          *Machine
	tok        votetoken.Token
	version    uint64
	lastActive time.Time
	subs       map[int]chan Snapshot
	nextSub    int
}

// NewSession builds a session in AwaitingToken. Call Start to acquire the token.
func NewSession(id string, voter votetoken.Voter, electionID string, categories []Category, deps Deps) (*Session, error) {
	if id == "" || voter.Key == "" {
		return nil, ErrInvalidTransition
	}
	if deps.Tokens == nil || deps.Consumer == nil || deps.Committer == nil {
		return nil, errors.New("ballot: missing session dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m, err := NewMachine(electionID, categories)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:         id,
		voter:      voter,
		electionID: electionID,
		deps:       deps,
		log: deps.Logger.With(
			slog.String("ballot_id", id),
			slog.String("election_id", electionID),
			slog.String("voter", token.ShortKey(voter.Key)),
		),
		m:          m,
		lastActive: deps.Now(),
		subs:       make(map[int]chan Snapshot),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ElectionID returns the election this session votes in.
func (s *Session) ElectionID() string { return s.electionID }

// VoterKey returns the derived key of the voter who owns the session.
func (s *Session) VoterKey() string { return s.voter.Key }

// LastActive is the time of the last accepted or rejected event.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that receives the latest snapshot after every transition.
// Slow readers only miss intermediate snapshots. Call cancel to stop.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Start acquires the voting token and shows the time-limit notice.
// A retryable failure leaves the session in AwaitingToken so Start can be called again.
// An outstanding token elsewhere aborts the session.
func (s *Session) Start(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if st := s.m.State(); st != AwaitingToken {
		defer s.mu.Unlock()
		if st.Terminal() {
			return s.snapshotLocked(), ErrSessionClosed
		}
		return s.snapshotLocked(), &TransitionError{State: st, Event: EventTokenAcquired}
	}
	s.mu.Unlock()

	tok, err := s.deps.Tokens.Acquire(ctx, s.voter, s.electionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.deps.Now()

	if err != nil {
		if KindOf(err) == authority.KindConflict || KindOf(err) == authority.KindTerminal {
			if _, aerr := s.m.Apply(Event{Type: EventAbort, Err: err}); aerr == nil {
				s.publishLocked()
			}
		}
		s.log.WarnContext(ctx, "ballot.start.fail", slog.String("kind", KindOf(err).String()), slog.Any("err", err))
		return s.snapshotLocked(), err
	}

	if _, err := s.m.Apply(Event{Type: EventTokenAcquired, ValidUntil: tok.ValidUntil}); err != nil {
		return s.snapshotLocked(), err
	}
	s.tok = tok
	s.publishLocked()
	s.log.InfoContext(ctx, "ballot.start", slog.Time("expires_at", tok.ValidUntil))
	return s.snapshotLocked(), nil
}

// Acknowledge accepts the time-limit notice and opens the first category.
func (s *Session) Acknowledge() (Snapshot, error) { return s.apply(Event{Type: EventAcknowledge}) }

// Digit types one digit of the candidate number.
func (s *Session) Digit(d byte) (Snapshot, error) { return s.apply(Event{Type: EventDigit, Digit: d}) }

// Blank selects a blank vote.
func (s *Session) Blank() (Snapshot, error) { return s.apply(Event{Type: EventBlank}) }

// Correct clears the typed number and the selection.
func (s *Session) Correct() (Snapshot, error) { return s.apply(Event{Type: EventCorrect}) }

// Confirm opens the review of the current selection.
func (s *Session) Confirm() (Snapshot, error) { return s.apply(Event{Type: EventConfirm}) }

// Back leaves the review and keeps the selection.
func (s *Session) Back() (Snapshot, error) { return s.apply(Event{Type: EventBack}) }

// Abort cancels the session. The token is left untouched for a later session.
// While a commit is pending Abort fails with ErrSubmitInFlight and the session
// stays in Submitting; the commit's outcome decides whether it completes or fails.
func (s *Session) Abort() (Snapshot, error) { return s.apply(Event{Type: EventAbort}) }

// Commit confirms the reviewed selection. On the last category it commits the whole
// ballot, marks the token consumed and completes the session. A failed commit returns
// the session to the last review so the voter can retry without retyping anything.
func (s *Session) Commit(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if err := s.checkExpiryLocked(); err != nil {
		defer s.mu.Unlock()
		return s.snapshotLocked(), err
	}
	s.lastActive = s.deps.Now()
	eff, err := s.m.Apply(Event{Type: EventCommit})
	if err != nil {
		defer s.mu.Unlock()
		return s.snapshotLocked(), err
	}
	s.publishLocked()
	if eff.Kind != EffectSubmit {
		defer s.mu.Unlock()
		return s.snapshotLocked(), nil
	}
	tok := s.tok
	s.mu.Unlock()

	ref, cerr := s.deps.Committer.Commit(ctx, tok.Value, s.electionID, eff.Pairs)
	if cerr == nil {
		s.consume(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.deps.Now()

	if cerr != nil {
		if _, err := s.m.Apply(Event{Type: EventSubmitFailed, Err: cerr}); err != nil {
			return s.snapshotLocked(), err
		}
		s.publishLocked()
		s.log.WarnContext(ctx, "ballot.submit.fail",
			slog.String("kind", KindOf(cerr).String()),
			slog.Any("err", cerr),
		)
		return s.snapshotLocked(), cerr
	}

	if _, err := s.m.Apply(Event{Type: EventSubmitOK, Block: ref}); err != nil {
		return s.snapshotLocked(), err
	}
	s.publishLocked()
	s.log.InfoContext(ctx, "ballot.completed", slog.String("block", ref.Hash), slog.Int("votes", len(eff.Pairs)))
	return s.snapshotLocked(), nil
}

// Dispatch routes a voter event by type. Internal events are rejected.
func (s *Session) Dispatch(ctx context.Context, ev Event) (Snapshot, error) {
	switch ev.Type {
	case EventCommit:
		return s.Commit(ctx)
	case EventAcknowledge, EventDigit, EventBlank, EventCorrect, EventConfirm, EventBack, EventAbort:
		ev.Err = nil
		return s.apply(ev)
	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshotLocked(), &TransitionError{State: s.m.State(), Event: ev.Type}
	}
}

// Expire aborts the session if its token has expired. It reports whether it did.
func (s *Session) Expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkExpiryLocked() != nil
}

func (s *Session) apply(ev Event) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = s.deps.Now()
	if ev.Type != EventAbort {
		if err := s.checkExpiryLocked(); err != nil {
			return s.snapshotLocked(), err
		}
	}
	confirmed := len(s.m.pairs)
	if _, err := s.m.Apply(ev); err != nil {
		return s.snapshotLocked(), err
	}
	s.publishLocked()
	if ev.Type == EventAbort {
		s.log.Info("ballot.aborted", slog.Int("confirmed", confirmed))
	}
	return s.snapshotLocked(), nil
}

// checkExpiryLocked aborts a non-submitting session whose token has expired.
func (s *Session) checkExpiryLocked() error {
	st := s.m.State()
	if s.tok.Value == "" || st.Terminal() || st == Submitting {
		return nil
	}
	if s.deps.Now().Before(s.tok.ValidUntil) {
		return nil
	}
	if _, err := s.m.Apply(Event{Type: EventExpire}); err != nil {
		return err
	}
	s.publishLocked()
	s.log.Info("ballot.expired")
	return ErrTokenExpired
}

// consume marks the token spent. The commit already succeeded, so the call is detached
// from ctx and retried a few times; a persistent failure is logged and the session still completes.
func (s *Session) consume(ctx context.Context) {
	cctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= consumeAttempts; attempt++ {
		if err = s.deps.Consumer.MarkConsumed(cctx, s.voter.Key, s.electionID); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	s.log.ErrorContext(ctx, "ballot.consume.fail", slog.Any("err", err))
}

func (s *Session) snapshotLocked() Snapshot {
	snap := s.m.Snapshot(s.deps.Now())
	snap.SessionID = s.id
	snap.Version = s.version
	return snap
}

func (s *Session) publishLocked() {
	s.version++
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
