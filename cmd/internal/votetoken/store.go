package votetoken

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"urna/cmd/security/token"
)

// Store is the persistence boundary for cached voting tokens.
//
// Get returns a token only while it is usable and evicts it otherwise.
// Put replaces any entry for the same (voter, election); last writer wins.
// MarkConsumed is idempotent and a no-op when no entry exists.
type Store interface {
	Get(ctx context.Context, voterKey, electionID string) (Token, bool, error)
	Put(ctx context.Context, voterKey string, tok Token) error
	MarkConsumed(ctx context.Context, voterKey, electionID string) error
	Close() error
}

// StoreOption configures any Store backend.
type StoreOption func(*storeConfig) error

type storeConfig struct {
	log    *slog.Logger
	now    func() time.Time
	sealer *token.Sealer
	schema string
}

func defaultStoreConfig() storeConfig {
	return storeConfig{log: slog.Default(), now: time.Now, schema: "urna"}
}

func applyStoreOptions(opts []StoreOption) (storeConfig, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return storeConfig{}, err
		}
	}
	return cfg, nil
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(c *storeConfig) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) error {
		if now == nil {
			return ErrInvalidInput
		}
		c.now = now
		return nil
	}
}

// WithSealer stores token values encrypted at rest.
func WithSealer(s *token.Sealer) StoreOption {
	return func(c *storeConfig) error {
		c.sealer = s
		return nil
	}
}

// WithSchema sets the Postgres schema (default "urna"). Other backends ignore it.
func WithSchema(schema string) StoreOption {
	return func(c *storeConfig) error {
		if schema == "" {
			return ErrInvalidInput
		}
		c.schema = schema
		return nil
	}
}

func (c storeConfig) seal(voterKey string, tok Token) (string, error) {
	if c.sealer == nil {
		return tok.Value, nil
	}
	return c.sealer.Seal(tok.Value, rowKey(voterKey, tok.ElectionID))
}

func (c storeConfig) open(voterKey, electionID, stored string) (string, error) {
	if !token.IsSealed(stored) {
		if c.sealer != nil {
			return "", fmt.Errorf("votetoken: plaintext token found while sealing is enabled")
		}
		return stored, nil
	}
	if c.sealer == nil {
		return "", fmt.Errorf("votetoken: sealed token found but no seal key configured")
	}
	return c.sealer.Open(stored, rowKey(voterKey, electionID))
}

// warnOverwrite logs replacing a live token, which leaks the previous one.
func (c storeConfig) warnOverwrite(ctx context.Context, voterKey, electionID string) {
	c.log.WarnContext(ctx, "votetoken.put.overwrite_live",
		slog.String("voter", token.ShortKey(voterKey)),
		slog.String("election_id", electionID),
	)
}
