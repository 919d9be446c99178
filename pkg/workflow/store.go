package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
)

// Store persists workflow instances. Updates are journal-aware: inside an
// instruction execution they roll back with the batch.
type Store interface {
	Create(ctx context.Context, in *Instance) error
	Get(ctx context.Context, id contracts.Hash) (*Instance, error)
	Update(ctx context.Context, in *Instance) error
}

// MemoryStore is the thread-safe in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[contracts.Hash]*Instance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[contracts.Hash]*Instance)}
}

func (s *MemoryStore) Create(ctx context.Context, in *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[in.ID]; ok {
		return fmt.Errorf("%s: %w", in.ID, ErrExists)
	}
	s.instances[in.ID] = in.Clone()

	id := in.ID
	state.Track(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.instances, id)
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id contracts.Hash) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, in *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.instances[in.ID]
	if !ok {
		return fmt.Errorf("%s: %w", in.ID, ErrNotFound)
	}
	s.instances[in.ID] = in.Clone()

	state.Track(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[prev.ID] = prev
	})
	return nil
}
