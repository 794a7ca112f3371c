package session

import (
	"context"
	"sync"

	v1 "tuitui/shared/contracts/chat/v1"
)

// TokenStore persists the current token pair.
type TokenStore interface {
	Load(ctx context.Context) (v1.TokenPair, error)
	Save(ctx context.Context, pair v1.TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local TokenStore.
type MemoryStore struct {
	mu   sync.RWMutex
	pair v1.TokenPair
}

// NewMemoryStore returns a store holding pair.
func NewMemoryStore(pair v1.TokenPair) *MemoryStore {
	return &MemoryStore{pair: pair}
}

func (s *MemoryStore) Load(context.Context) (v1.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, nil
}

func (s *MemoryStore) Save(_ context.Context, pair v1.TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	s.pair = v1.TokenPair{}
	s.mu.Unlock()
	return nil
}
