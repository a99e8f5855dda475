package ballot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"urna/cmd/internal/authority"
)

// VoteAPI is the part of the authority client the Submitter uses.
type VoteAPI interface {
	SubmitBatch(ctx context.Context, token, electionID string, pairs []authority.VotePair) (authority.BlockRef, error)
	SubmitSingle(ctx context.Context, token, number, electionID string) (authority.BlockRef, error)
	SingleVoteEnabled() bool
}

// Submitter commits a finished ballot with exactly one remote call.
type Submitter struct {
	api     VoteAPI
	log     *slog.Logger
	commits *prometheus.CounterVec
}

// NewSubmitter constructs a Submitter. reg may be nil.
func NewSubmitter(api VoteAPI, log *slog.Logger, reg prometheus.Registerer) (*Submitter, error) {
	if api == nil {
		return nil, errors.New("ballot: nil vote api")
	}
	if log == nil {
		log = slog.Default()
	}
	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urna",
		Name:      "ballot_commit_total",
		Help:      "Ballot commits by outcome kind.",
	}, []string{"result"})
	if reg != nil {
		if err := reg.Register(commits); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			commits = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return &Submitter{api: api, log: log, commits: commits}, nil
}

// Commit sends the whole ordered batch. It never splits a ballot into several calls.
// A single-category ballot uses the single-vote endpoint only when the client enables it.
func (s *Submitter) Commit(ctx context.Context, token, electionID string, pairs []authority.VotePair) (authority.BlockRef, error) {
	if token == "" || electionID == "" || len(pairs) == 0 {
		return authority.BlockRef{}, fmt.Errorf("%w: empty ballot", authority.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if seen[p.CategoryID] {
			return authority.BlockRef{}, fmt.Errorf("%w: category %s voted twice", authority.ErrInvalidInput, p.CategoryID)
		}
		seen[p.CategoryID] = true
	}

	var (
		ref authority.BlockRef
		err error
	)
	if len(pairs) == 1 && s.api.SingleVoteEnabled() {
		ref, err = s.api.SubmitSingle(ctx, token, pairs[0].Value, electionID)
	} else {
		ref, err = s.api.SubmitBatch(ctx, token, electionID, pairs)
	}

	if err != nil {
		kind := authority.KindOf(err)
		s.commits.WithLabelValues(kind.String()).Inc()
		s.log.WarnContext(ctx, "ballot.commit.fail",
			slog.String("election_id", electionID),
			slog.Int("votes", len(pairs)),
			slog.String("kind", kind.String()),
			slog.Any("err", err),
		)
		return authority.BlockRef{}, err
	}

	s.commits.WithLabelValues("ok").Inc()
	s.log.InfoContext(ctx, "ballot.commit.ok",
		slog.String("election_id", electionID),
		slog.Int("votes", len(pairs)),
		slog.String("block", ref.Hash),
	)
	return ref, nil
}
