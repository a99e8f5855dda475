package ballot

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"urna/cmd/internal/authority"
)

// Catalog reads elections and candidates from the authority.
type Catalog interface {
	Election(ctx context.Context, electionID string) (authority.Election, error)
	ListCandidates(ctx context.Context, electionID string) ([]authority.Candidate, error)
}

// Loader assembles the ordered categories of an open election.
type Loader struct {
	catalog Catalog
	now     func() time.Time
}

// NewLoader constructs a Loader.
func NewLoader(c Catalog, now func() time.Time) *Loader {
	if now == nil {
		now = time.Now
	}
	return &Loader{catalog: c, now: now}
}

// Load fetches the election and its candidates and builds the ballot.
// Elections that are not active at the time of the call are rejected.
func (l *Loader) Load(ctx context.Context, electionID string) (authority.Election, []Category, error) {
	var (
		election   authority.Election
		candidates []authority.Candidate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		election, err = l.catalog.Election(gctx, electionID)
		return err
	})
	g.Go(func() error {
		var err error
		candidates, err = l.catalog.ListCandidates(gctx, electionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return authority.Election{}, nil, err
	}

	status := authority.DeriveStatus(l.now(), election.StartsAt, election.EndsAt, election.Active)
	if status != authority.StatusActive {
		return authority.Election{}, nil, fmt.Errorf("%w: %s is %s", ErrElectionNotOpen, election.ID, status)
	}

	cats, err := BuildCategories(election, candidates)
	if err != nil {
		return authority.Election{}, nil, err
	}
	return election, cats, nil
}
