package votetoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists tokens in PostgreSQL for a service-side deployment
// where several kiosk processes share one cache.
type PostgresStore struct {
	cfg  storeConfig
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore. Call EnsureSchema before first use
// unless the schema is provisioned externally.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrInvalidInput
	}
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{cfg: cfg, pool: pool}, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.cfg.schema}.Sanitize()
	tokens := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  voter_key TEXT NOT NULL,
  election_id TEXT NOT NULL,
  token TEXT NOT NULL,
  valid_until TIMESTAMPTZ NOT NULL,
  used BOOLEAN NOT NULL DEFAULT false,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (voter_key, election_id),
  CONSTRAINT chk_vote_tokens_voter_key_len CHECK (char_length(voter_key) = 64)
);
`, schema, tokens)
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Get returns the usable token for (voterKey, electionID), evicting stale entries.
func (s *PostgresStore) Get(ctx context.Context, voterKey, electionID string) (Token, bool, error) {
	if !validKeys(voterKey, electionID) {
		return Token{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Token{}, false, err
	}

	var stored string
	tok := Token{ElectionID: electionID}
	err := s.pool.QueryRow(ctx,
		`SELECT token, valid_until, used FROM `+s.table()+` WHERE voter_key = $1 AND election_id = $2`,
		voterKey, electionID,
	).Scan(&stored, &tok.ValidUntil, &tok.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}

	tok.Value = stored
	if !tok.Usable(s.cfg.now()) {
		// Conditional delete so a concurrent Put of a fresh token survives.
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM `+s.table()+` WHERE voter_key = $1 AND election_id = $2 AND (used OR valid_until <= $3)`,
			voterKey, electionID, s.cfg.now(),
		); err != nil {
			return Token{}, false, err
		}
		return Token{}, false, nil
	}

	tok.Value, err = s.cfg.open(voterKey, electionID, stored)
	if err != nil {
		return Token{}, false, err
	}
	tok.ValidUntil = tok.ValidUntil.UTC()
	return tok, true, nil
}

// Put stores tok, replacing any previous entry.
func (s *PostgresStore) Put(ctx context.Context, voterKey string, tok Token) error {
	if !validKeys(voterKey, tok.ElectionID) || tok.Value == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := s.cfg.seal(voterKey, tok)
	if err != nil {
		return err
	}
	now := s.cfg.now()

	// The CTE reads the row as it was before the upsert.
	var overwritingLive bool
	err = s.pool.QueryRow(ctx,
		`WITH prev AS (
		   SELECT used, valid_until FROM `+s.table()+` WHERE voter_key = $1 AND election_id = $2
		 ), up AS (
		   INSERT INTO `+s.table()+` (voter_key, election_id, token, valid_until, used, updated_at)
		   VALUES ($1, $2, $3, $4, $5, $6)
		   ON CONFLICT (voter_key, election_id) DO UPDATE SET
		     token = EXCLUDED.token,
		     valid_until = EXCLUDED.valid_until,
		     used = EXCLUDED.used,
		     updated_at = EXCLUDED.updated_at
		 )
		 SELECT COALESCE((SELECT NOT used AND valid_until > $6 FROM prev), false)`,
		voterKey, tok.ElectionID, sealed, tok.ValidUntil.UTC(), tok.Used, now,
	).Scan(&overwritingLive)
	if err != nil {
		return err
	}

	if overwritingLive {
		s.cfg.warnOverwrite(ctx, voterKey, tok.ElectionID)
	}
	return nil
}

// MarkConsumed flags the entry as used. Missing entries are ignored.
func (s *PostgresStore) MarkConsumed(ctx context.Context, voterKey, electionID string) error {
	if !validKeys(voterKey, electionID) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+` SET used = true, updated_at = $3 WHERE voter_key = $1 AND election_id = $2`,
		voterKey, electionID, s.cfg.now(),
	)
	return err
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.cfg.schema, "vote_tokens"}.Sanitize()
}
