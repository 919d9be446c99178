// Package relay queues operations addressed to a foreign network. The
// engine commits a relay entry in place of local execution; a dispatcher
// drains the outbox with at-least-once redelivery and parks undeliverable
// entries as dead letters.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/google/uuid"
)

// Entry delivery states.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusDead      = "DEAD"
)

var (
	ErrNotFound = errors.New("no such relay entry")
)

// Entry is one queued cross-network step.
type Entry struct {
	ID          uuid.UUID         `json:"id"`
	Network     uint32            `json:"network"`
	Handler     uint16            `json:"handler"`
	Initiator   contracts.Address `json:"initiator"`
	PayloadHash contracts.Hash    `json:"payload_hash"`
	Params      []byte            `json:"params"`
	Attempts    int               `json:"attempts"`
	Status      string            `json:"status"`
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Params = append([]byte(nil), e.Params...)
	return &cp
}

// Outbox is the durable queue contract.
type Outbox interface {
	Enqueue(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Pending returns up to limit undelivered entries, oldest first.
	Pending(ctx context.Context, limit int) ([]*Entry, error)
	// Mark records a delivery attempt's outcome and attempt count.
	Mark(ctx context.Context, id uuid.UUID, status string, attempts int) error
}

// MemoryOutbox keeps the queue in memory; for tests and single-process use.
type MemoryOutbox struct {
	mu      sync.RWMutex
	order   []uuid.UUID
	entries map[uuid.UUID]*Entry
}

// NewMemoryOutbox creates an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[uuid.UUID]*Entry)}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, e *Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	o.order = append(o.order, e.ID)
	o.entries[e.ID] = e.clone()
	return nil
}

func (o *MemoryOutbox) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]*Entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Entry
	for _, id := range o.order {
		if len(out) == limit {
			break
		}
		if e := o.entries[id]; e.Status == StatusPending {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

func (o *MemoryOutbox) Mark(_ context.Context, id uuid.UUID, status string, attempts int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Attempts = attempts
	return nil
}
