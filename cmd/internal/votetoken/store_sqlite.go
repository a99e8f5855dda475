package votetoken

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vote_tokens (
    voter_key TEXT NOT NULL,
    election_id TEXT NOT NULL,
    token TEXT NOT NULL,
    valid_until_ms INTEGER NOT NULL,
    used INTEGER NOT NULL DEFAULT 0 CHECK (used IN (0, 1)),
    updated_at_ms INTEGER NOT NULL,
    PRIMARY KEY (voter_key, election_id)
);

CREATE INDEX IF NOT EXISTS idx_vote_tokens_valid_until ON vote_tokens(valid_until_ms);
`

// SQLiteStore persists tokens in a local SQLite file so a kiosk keeps its cache across restarts.
type SQLiteStore struct {
	cfg storeConfig
	db  *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLiteStore(ctx context.Context, path string, opts ...StoreOption) (*SQLiteStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("votetoken: open sqlite: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("votetoken: create sqlite schema: %w", err)
	}
	return &SQLiteStore{cfg: cfg, db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Get returns the usable token for (voterKey, electionID), evicting stale entries.
func (s *SQLiteStore) Get(ctx context.Context, voterKey, electionID string) (Token, bool, error) {
	if !validKeys(voterKey, electionID) {
		return Token{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Token{}, false, err
	}

	var (
		stored  string
		validMs int64
		used    int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, valid_until_ms, used FROM vote_tokens WHERE voter_key = ? AND election_id = ?`,
		voterKey, electionID,
	).Scan(&stored, &validMs, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}

	now := s.cfg.now()
	tok := Token{Value: stored, ElectionID: electionID, ValidUntil: time.UnixMilli(validMs).UTC(), Used: used != 0}
	if !tok.Usable(now) {
		// Only a still-stale row is evicted; a concurrent Put wins.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM vote_tokens
			  WHERE voter_key = ? AND election_id = ? AND (used = 1 OR valid_until_ms <= ?)`,
			voterKey, electionID, now.UnixMilli(),
		); err != nil {
			return Token{}, false, err
		}
		return Token{}, false, nil
	}

	tok.Value, err = s.cfg.open(voterKey, electionID, stored)
	if err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

// Put stores tok, replacing any previous entry.
func (s *SQLiteStore) Put(ctx context.Context, voterKey string, tok Token) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		prevValidMs int64
		prevUsed    int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT valid_until_ms, used FROM vote_tokens WHERE voter_key = ? AND election_id = ?`,
		voterKey, tok.ElectionID,
	).Scan(&prevValidMs, &prevUsed)
	overwritingLive := err == nil && prevUsed == 0 && now.Before(time.UnixMilli(prevValidMs))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO vote_tokens (voter_key, election_id, token, valid_until_ms, used, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (voter_key, election_id) DO UPDATE SET
		   token = excluded.token,
		   valid_until_ms = excluded.valid_until_ms,
		   used = excluded.used,
		   updated_at_ms = excluded.updated_at_ms`,
		voterKey, tok.ElectionID, sealed, tok.ValidUntil.UnixMilli(), boolInt(tok.Used), now.UnixMilli(),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if overwritingLive {
		s.cfg.warnOverwrite(ctx, voterKey, tok.ElectionID)
	}
	return nil
}

// MarkConsumed flags the entry as used. Missing entries are ignored.
func (s *SQLiteStore) MarkConsumed(ctx context.Context, voterKey, electionID string) error {
	if !validKeys(voterKey, electionID) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE vote_tokens SET used = 1, updated_at_ms = ? WHERE voter_key = ? AND election_id = ?`,
		s.cfg.now().UnixMilli(), voterKey, electionID,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
