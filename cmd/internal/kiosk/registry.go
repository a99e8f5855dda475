package kiosk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"urna/cmd/internal/authority"
	"urna/cmd/internal/ballot"
	"urna/cmd/security/token"
)

// kioskSession is one logged-in voter at the kiosk. The authority bearer never leaves it.
type kioskSession struct {
	id         string
	voterKey   string
	user       authority.User
	lastActive time.Time
	ballots    map[string]*ballot.Session
}

// Registry owns kiosk sessions and the ballots they opened.
type Registry struct {
	log     *slog.Logger
	now     func() time.Time
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*kioskSession
	ballots  map[string]string // ballot id -> kiosk session id
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, idleTTL time.Duration, now func() time.Time) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		log:      log,
		now:      now,
		idleTTL:  idleTTL,
		sessions: make(map[string]*kioskSession),
		ballots:  make(map[string]string),
	}
}

// Open registers a kiosk session for a logged-in voter.
func (r *Registry) Open(id, voterKey string, u authority.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &kioskSession{
		id:         id,
		voterKey:   voterKey,
		user:       u,
		lastActive: r.now(),
		ballots:    make(map[string]*ballot.Session),
	}
}

// User returns the authority user behind a kiosk session and marks it active.
func (r *Registry) User(claims AccessClaims) (authority.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, err := r.sessionLocked(claims)
	if err != nil {
		return authority.User{}, err
	}
	ks.lastActive = r.now()
	return ks.user, nil
}

// AddBallot attaches a ballot to its kiosk session.
func (r *Registry) AddBallot(claims AccessClaims, b *ballot.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, err := r.sessionLocked(claims)
	if err != nil {
		return err
	}
	ks.ballots[b.ID()] = b
	ks.lastActive = r.now()
	r.ballots[b.ID()] = ks.id
	return nil
}

// OpenBallot returns a non-terminal ballot the session already holds for electionID.
func (r *Registry) OpenBallot(claims AccessClaims, electionID string) (*ballot.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, err := r.sessionLocked(claims)
	if err != nil {
		return nil, false
	}
	for _, b := range ks.ballots {
		if b.ElectionID() == electionID && !b.Snapshot().State.Terminal() {
			return b, true
		}
	}
	return nil, false
}

// Ballot looks up a ballot owned by the caller's kiosk session.
func (r *Registry) Ballot(claims AccessClaims, id string) (*ballot.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ks, err := r.sessionLocked(claims)
	if err != nil {
		return nil, err
	}
	b, ok := ks.ballots[id]
	if !ok {
		return nil, ErrBallotNotFound
	}
	ks.lastActive = r.now()
	return b, nil
}

// Close drops a kiosk session and aborts every ballot it still has open.
// Tokens are left untouched so the voter can resume in a new session.
func (r *Registry) Close(claims AccessClaims) error {
	r.mu.Lock()
	ks, err := r.sessionLocked(claims)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.sessions, ks.id)
	open := make([]*ballot.Session, 0, len(ks.ballots))
	for id, b := range ks.ballots {
		delete(r.ballots, id)
		open = append(open, b)
	}
	r.mu.Unlock()

	for _, b := range open {
		abortIfOpen(b)
	}
	return nil
}

// Len reports the number of kiosk sessions and of non-terminal ballots.
func (r *Registry) Len() (sessions, openBallots int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ks := range r.sessions {
		for _, b := range ks.ballots {
			if !b.Snapshot().State.Terminal() {
				openBallots++
			}
		}
	}
	return len(r.sessions), openBallots
}

// Sweep expires ballots whose token ran out, aborts idle ballots and drops idle kiosk sessions.
func (r *Registry) Sweep() {
	now := r.now()

	r.mu.Lock()
	var stale []*ballot.Session
	for sid, ks := range r.sessions {
		for id, b := range ks.ballots {
			if b.Expire() {
				continue
			}
			idle := now.Sub(b.LastActive()) >= r.idleTTL
			if !idle {
				continue
			}
			if b.Snapshot().State.Terminal() {
				delete(ks.ballots, id)
				delete(r.ballots, id)
				continue
			}
			stale = append(stale, b)
		}
		if len(ks.ballots) == 0 && now.Sub(ks.lastActive) >= r.idleTTL {
			delete(r.sessions, sid)
			r.log.Info("kiosk.session.idle_drop", slog.String("voter", token.ShortKey(ks.voterKey)))
		}
	}
	r.mu.Unlock()

	for _, b := range stale {
		if abortIfOpen(b) {
			r.log.Info("kiosk.ballot.idle_abort", slog.String("ballot_id", b.ID()))
		}
	}
}

// Run sweeps every interval until ctx is done, calling after hooks once per tick.
func (r *Registry) Run(ctx context.Context, every time.Duration, after ...func()) {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep()
			for _, fn := range after {
				fn()
			}
		}
	}
}

func (r *Registry) sessionLocked(claims AccessClaims) (*kioskSession, error) {
	ks, ok := r.sessions[claims.SessionID]
	if !ok || ks.voterKey != claims.VoterKey {
		return nil, ErrSessionNotFound
	}
	return ks, nil
}

// abortIfOpen aborts a ballot unless it is terminal or mid-submit.
func abortIfOpen(b *ballot.Session) bool {
	st := b.Snapshot().State
	if st.Terminal() || st == ballot.Submitting {
		return false
	}
	_, err := b.Abort()
	return err == nil
}
