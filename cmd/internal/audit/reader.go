// Package audit lets a voter confirm participation without singling out their own votes.
//
// Everything here is read-only. Blocks are immutable once sealed, so block contents are
// cached by hash; validation verdicts are always fetched fresh.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"urna/cmd/internal/authority"
)

// DefaultCacheSize is the number of blocks kept in memory.
const DefaultCacheSize = 512

// DefaultFetchTimeout bounds a shared block fetch once it no longer follows any caller.
const DefaultFetchTimeout = 30 * time.Second

// maxHashBytes bounds accepted block hashes.
const maxHashBytes = 64

// ErrInvalidHash is returned before any network call for a malformed block hash.
var ErrInvalidHash = errors.New("invalid block hash")

// API is the part of the authority client the Reader uses.
type API interface {
	MyBlocks(ctx context.Context, bearer, cpf string) (authority.MyBlocks, error)
	Block(ctx context.Context, hash string) (authority.Block, error)
	ValidateBlock(ctx context.Context, hash string) (authority.Validation, error)
	VotesInBlock(ctx context.Context, hash string) ([]authority.Vote, error)
}

// Reader answers audit queries for voters.
type Reader struct {
	api          API
	log          *slog.Logger
	concurrency  int
	fetchTimeout time.Duration

	blocks *lru.Cache[string, authority.Block]
	votes  *lru.Cache[string, []authority.Vote]
	flight singleflight.Group
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the reader logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// WithConcurrency bounds parallel fetches in ListMyBlocks and Trail.
func WithConcurrency(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithCacheSize sets how many blocks are cached.
func WithCacheSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.blocks = lru.NewCache[string, authority.Block](n)
			r.votes = lru.NewCache[string, []authority.Vote](n)
		}
	}
}

// NewReader constructs a Reader.
func NewReader(api API, opts ...Option) *Reader {
	r := &Reader{
		api:          api,
		log:          slog.Default(),
		concurrency:  4,
		fetchTimeout: DefaultFetchTimeout,
		blocks:       lru.NewCache[string, authority.Block](DefaultCacheSize),
		votes:        lru.NewCache[string, []authority.Vote](DefaultCacheSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeHash validates a block hash and returns its canonical 0x-prefixed lower-case form.
func NormalizeHash(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHash)
	}
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		h = "0x" + h
	}
	b, err := hexutil.Decode("0x" + h[2:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(b) == 0 || len(b) > maxHashBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidHash, len(b))
	}
	return hexutil.Encode(b), nil
}

// ListMyBlocks returns a summary of every block holding at least one of the voter's votes.
// Only block-level aggregates are returned; which votes in a block are the voter's is never exposed.
func (r *Reader) ListMyBlocks(ctx context.Context, voter authority.User) ([]authority.BlockSummary, error) {
	mine, err := r.api.MyBlocks(ctx, voter.Bearer, voter.CPF)
	if err != nil {
		return nil, err
	}

	if len(mine.Summaries) > 0 {
		out := make([]authority.BlockSummary, 0, len(mine.Summaries))
		for _, s := range mine.Summaries {
			h, err := NormalizeHash(s.Hash)
			if err != nil {
				return nil, err
			}
			s.Hash = h
			out = append(out, s)
		}
		return out, nil
	}

	out := make([]authority.BlockSummary, len(mine.BlockHashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, raw := range mine.BlockHashes {
		g.Go(func() error {
			b, err := r.Block(gctx, raw)
			if err != nil {
				return err
			}
			out[i] = authority.BlockSummary{Hash: b.Hash, Timestamp: b.Timestamp, VoteCount: len(b.Votes)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate asks the authority to verify a block. It has no side effects and is safe to retry.
func (r *Reader) Validate(ctx context.Context, hash string) (authority.Validation, error) {
	h, err := NormalizeHash(hash)
	if err != nil {
		return authority.Validation{}, invalidHash(err)
	}
	v, err := r.api.ValidateBlock(ctx, h)
	if err != nil {
		return authority.Validation{}, err
	}
	if !v.Valid {
		r.log.WarnContext(ctx, "audit.validate.invalid", slog.String("block", h), slog.String("reason", v.Message))
	}
	return v, nil
}

// Block returns a block by hash, from cache when possible.
func (r *Reader) Block(ctx context.Context, hash string) (authority.Block, error) {
	h, err := NormalizeHash(hash)
	if err != nil {
		return authority.Block{}, invalidHash(err)
	}
	if b, ok := r.blocks.Get(h); ok {
		return copyBlock(b), nil
	}

	v, err := r.shared(ctx, "block:"+h, func(ctx context.Context) (any, error) {
		b, err := r.api.Block(ctx, h)
		if err != nil {
			return nil, err
		}
		if nb, err := NormalizeHash(b.Hash); err != nil || nb != h {
			return nil, fmt.Errorf("%w: block %s answered with hash %q", authority.ErrUnrecognizedShape, h, b.Hash)
		}
		b.Hash = h
		r.blocks.Add(h, b)
		return b, nil
	})
	if err != nil {
		return authority.Block{}, err
	}
	return copyBlock(v.(authority.Block)), nil
}

// VotesInBlock lists every vote sealed in a block, from cache when possible.
func (r *Reader) VotesInBlock(ctx context.Context, hash string) ([]authority.Vote, error) {
	h, err := NormalizeHash(hash)
	if err != nil {
		return nil, invalidHash(err)
	}
	if vs, ok := r.votes.Get(h); ok {
		return append([]authority.Vote(nil), vs...), nil
	}

	v, err := r.shared(ctx, "votes:"+h, func(ctx context.Context) (any, error) {
		vs, err := r.api.VotesInBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		r.votes.Add(h, vs)
		return vs, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]authority.Vote(nil), v.([]authority.Vote)...), nil
}

// shared runs fetch once per key for all concurrent callers. The fetch is detached from
// any single caller's cancellation and bounded by fetchTimeout; each caller still returns
// as soon as its own ctx is done.
func (r *Reader) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := r.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return fetch(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func copyBlock(b authority.Block) authority.Block {
	b.Votes = append([]authority.Vote(nil), b.Votes...)
	return b
}

func invalidHash(err error) error {
	return &authority.Error{Op: "audit", Kind: authority.KindValidation, Message: "invalid block hash", Err: err}
}
