package audit

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"urna/cmd/internal/authority"
)

// TrailEntry is the audit verdict for one of the voter's blocks.
type TrailEntry struct {
	Summary  authority.BlockSummary
	PrevHash string
	Valid    bool
	Message  string

	// Linked is true when the block is a chain root or its previous block exists
	// and was sealed no later than it.
	Linked bool
}

// Trail reconstructs the voter's audit trail: every block holding one of their votes,
// each validated by the authority and checked for a consistent link to its predecessor.
// Entries are ordered by block time.
func (r *Reader) Trail(ctx context.Context, voter authority.User) ([]TrailEntry, error) {
	sums, err := r.ListMyBlocks(ctx, voter)
	if err != nil {
		return nil, err
	}

	out := make([]TrailEntry, len(sums))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range sums {
		g.Go(func() error {
			e, err := r.trailEntry(gctx, s)
			if err != nil {
				return err
			}
			out[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Summary.Timestamp.Before(out[j].Summary.Timestamp) })
	return out, nil
}

func (r *Reader) trailEntry(ctx context.Context, s authority.BlockSummary) (TrailEntry, error) {
	v, err := r.Validate(ctx, s.Hash)
	if err != nil {
		return TrailEntry{}, err
	}
	b, err := r.Block(ctx, s.Hash)
	if err != nil {
		return TrailEntry{}, err
	}

	e := TrailEntry{Summary: s, PrevHash: b.PrevHash, Valid: v.Valid, Message: v.Message}
	if b.PrevHash == "" {
		e.Linked = true
		return e, nil
	}

	prev, err := r.Block(ctx, b.PrevHash)
	switch {
	case err == nil:
		e.Linked = !prev.Timestamp.After(blockTime(b, s))
	case authority.KindOf(err) == authority.KindTerminal || authority.KindOf(err) == authority.KindValidation:
		e.Linked = false
	default:
		return TrailEntry{}, err
	}
	return e, nil
}

func blockTime(b authority.Block, s authority.BlockSummary) time.Time {
	if !b.Timestamp.IsZero() {
		return b.Timestamp
	}
	return s.Timestamp
}
