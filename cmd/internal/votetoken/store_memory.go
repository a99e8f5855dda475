package votetoken

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store for development and tests.
// It does not survive restarts.
type MemoryStore struct {
	cfg storeConfig

	mu      sync.Mutex
	entries map[string]Token
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(opts ...StoreOption) (*MemoryStore, error) {
	cfg, err := applyStoreOptions(opts)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cfg: cfg, entries: make(map[string]Token)}, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Get returns the usable token for (voterKey, electionID), evicting stale entries.
func (s *MemoryStore) Get(ctx context.Context, voterKey, electionID string) (Token, bool, error) {
	if !validKeys(voterKey, electionID) {
		return Token{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Token{}, false, err
	}

	k := rowKey(voterKey, electionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.entries[k]
	if !ok {
		return Token{}, false, nil
	}
	if !tok.Usable(s.cfg.now()) {
		delete(s.entries, k)
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Put stores tok, replacing any previous entry.
func (s *MemoryStore) Put(ctx context.Context, voterKey string, tok Token) error {
	if !validKeys(voterKey, tok.ElectionID) || tok.Value == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	k := rowKey(voterKey, tok.ElectionID)
	s.mu.Lock()
	prev, ok := s.entries[k]
	s.entries[k] = tok
	s.mu.Unlock()

	if ok && prev.Usable(s.cfg.now()) {
		s.cfg.warnOverwrite(ctx, voterKey, tok.ElectionID)
	}
	return nil
}

// MarkConsumed flags the entry as used. Missing entries are ignored.
func (s *MemoryStore) MarkConsumed(ctx context.Context, voterKey, electionID string) error {
	if !validKeys(voterKey, electionID) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	k := rowKey(voterKey, electionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.entries[k]; ok {
		tok.Used = true
		s.entries[k] = tok
	}
	return nil
}
