package votetoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"urna/cmd/internal/authority"
	"urna/cmd/security/token"
)

// Authority is the remote issuance operation the Issuer depends on.
type Authority interface {
	IssueToken(ctx context.Context, bearer, electionID string) (authority.IssuedToken, error)
}

// Issuer produces a usable token for a (voter, election), preferring the cache.
type Issuer struct {
	store   Store
	remote  Authority
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	flight singleflight.Group
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer) error

// WithIssuerLogger sets the issuer logger.
func WithIssuerLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) error {
		if l != nil {
			i.log = l
		}
		return nil
	}
}

// WithMetrics records Acquire outcomes.
func WithMetrics(m *Metrics) IssuerOption {
	return func(i *Issuer) error {
		i.metrics = m
		return nil
	}
}

// WithIssuerClock overrides the issuer's time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) error {
		if now == nil {
			return ErrInvalidInput
		}
		i.now = now
		return nil
	}
}

// NewIssuer constructs an Issuer.
func NewIssuer(store Store, remote Authority, opts ...IssuerOption) (*Issuer, error) {
	if store == nil || remote == nil {
		return nil, ErrInvalidInput
	}
	i := &Issuer{store: store, remote: remote, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// Acquire returns a usable token for the voter and election.
//
// The cache is consulted first. On a miss the authority is asked for a fresh token,
// which is persisted before it is returned. A conflict from the authority re-reads the
// cache once; if it is still empty the result is ErrTokenOutstanding and issuance is
// not retried. Transient failures are returned as-is and the caller may call Acquire again.
//
// Concurrent calls for the same voter and election share a single issuance. The shared
// call is detached from the caller's cancellation so a token the authority did issue is
// always cached; the caller still returns as soon as its own ctx is done.
func (i *Issuer) Acquire(ctx context.Context, voter Voter, electionID string) (Token, error) {
	if !validKeys(voter.Key, electionID) {
		return Token{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}

	ch := i.flight.DoChan(rowKey(voter.Key, electionID), func() (any, error) {
		return i.acquire(context.WithoutCancel(ctx), voter, electionID)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (i *Issuer) acquire(ctx context.Context, voter Voter, electionID string) (Token, error) {
	log := i.log.With(
		slog.String("voter", token.ShortKey(voter.Key)),
		slog.String("election_id", electionID),
	)

	if tok, ok, err := i.store.Get(ctx, voter.Key, electionID); err != nil {
		i.metrics.observe(resultError)
		return Token{}, fmt.Errorf("votetoken: read cache: %w", err)
	} else if ok {
		i.metrics.observe(resultCacheHit)
		log.DebugContext(ctx, "votetoken.acquire.cache_hit")
		return tok, nil
	}

	if voter.Bearer == "" {
		i.metrics.observe(resultError)
		return Token{}, fmt.Errorf("%w: voter bearer is required for issuance", ErrInvalidInput)
	}

	issued, err := i.remote.IssueToken(ctx, voter.Bearer, electionID)
	if err != nil {
		if authority.IsConflict(err) {
			return i.resolveConflict(ctx, log, voter, electionID, err)
		}
		i.metrics.observe(resultError)
		log.WarnContext(ctx, "votetoken.acquire.fail",
			slog.String("kind", authority.KindOf(err).String()),
			slog.Any("err", err),
		)
		return Token{}, err
	}

	tok := Token{Value: issued.Token, ElectionID: electionID, ValidUntil: issued.ValidUntil}
	if !tok.Usable(i.now()) {
		i.metrics.observe(resultError)
		return Token{}, ErrIssuedExpired
	}

	if err := i.store.Put(ctx, voter.Key, tok); err != nil {
		// The authority will not issue this token again, so hand it out anyway.
		log.ErrorContext(ctx, "votetoken.acquire.persist_fail", slog.Any("err", err))
	}

	i.metrics.observe(resultIssued)
	log.InfoContext(ctx, "votetoken.acquire.issued", slog.Time("valid_until", tok.ValidUntil))
	return tok, nil
}

func (i *Issuer) resolveConflict(ctx context.Context, log *slog.Logger, voter Voter, electionID string, cause error) (Token, error) {
	tok, ok, err := i.store.Get(ctx, voter.Key, electionID)
	if err != nil {
		i.metrics.observe(resultError)
		return Token{}, fmt.Errorf("votetoken: read cache after conflict: %w", err)
	}
	if ok {
		i.metrics.observe(resultConflictCached)
		log.InfoContext(ctx, "votetoken.acquire.conflict_cached")
		return tok, nil
	}

	i.metrics.observe(resultConflict)
	log.WarnContext(ctx, "votetoken.acquire.conflict")
	return Token{}, &OutstandingError{ElectionID: electionID, Cause: cause}
}

// OutstandingError reports a token that exists at the authority but not in the local cache.
type OutstandingError struct {
	ElectionID string
	Cause      error
}

func (e *OutstandingError) Error() string {
	return fmt.Sprintf("%s (election %s)", ErrTokenOutstanding.Error(), e.ElectionID)
}

// Unwrap exposes both the sentinel and the authority error.
func (e *OutstandingError) Unwrap() []error { return []error{ErrTokenOutstanding, e.Cause} }

// IsOutstanding reports whether err means the voter may already have voted.
func IsOutstanding(err error) bool { return errors.Is(err, ErrTokenOutstanding) }
