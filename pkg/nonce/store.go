// Package nonce stores each principal's monotonic counter. The counter is
// both replay protection and the sole cancellation mechanism: execution
// requires strict equality with it, and incrementing it invalidates every
// payload signed under any earlier value.
package nonce

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// ErrMismatch is returned when a presented nonce does not equal the stored
// counter. Stale payloads fail with this forever; counters never regress.
var ErrMismatch = errors.New("nonce mismatch")

// Store is the narrow mutation surface for principal counters.
type Store interface {
	// Current returns the principal's counter (zero for fresh principals).
	Current(ctx context.Context, addr contracts.Address) (uint64, error)
	// Increment advances the counter by one and returns the new value.
	Increment(ctx context.Context, addr contracts.Address) (uint64, error)
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	nonces map[contracts.Address]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nonces: make(map[contracts.Address]uint64)}
}

func (s *MemoryStore) Current(_ context.Context, addr contracts.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[addr], nil
}

func (s *MemoryStore) Increment(_ context.Context, addr contracts.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[addr]++
	return s.nonces[addr], nil
}
