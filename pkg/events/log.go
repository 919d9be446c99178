// Package events is the append-only audit log: every state transition the
// engine commits lands here as a hash-chained entry. Entries are never
// deleted or rewritten; tampering anywhere breaks the chain from that point
// forward.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/canonical"
	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	TypeAdapterSet      = "adapter.set"
	TypeAdapterFrozen   = "adapter.frozen"
	TypeChainSet        = "chain.set"
	TypeChainFrozen     = "chain.frozen"
	TypeNonceCancelled  = "nonce.cancelled"
	TypeExecuted        = "instruction.executed"
	TypeWorkflowPaused  = "workflow.paused"
	TypeRelayDispatched = "relay.dispatched"
	TypeRelayDead       = "relay.dead"
)

// genesisHash anchors the chain before the first entry.
const genesisHash = "genesis"

var ErrNotFound = errors.New("no such event")

// Entry is one immutable log record. ContentHash covers the sequence, type,
// data, and predecessor hash, so the chain commits to order as well as
// content.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Type        string         `json:"type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data"`
}

// Sink receives a copy of each appended entry, typically for durable
// mirroring. Sink failures never block the append.
type Sink interface {
	Store(e *Entry) error
}

// Log is the in-memory hash-chained event log.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
	sinks   []Sink
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{head: genesisHash, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithSink mirrors appended entries into a durable store.
func (l *Log) WithSink(s Sink) *Log {
	l.sinks = append(l.sinks, s)
	return l
}

func entryHash(seq uint64, eventType string, data map[string]any, prev string) (string, error) {
	return canonical.Hash(struct {
		Seq  uint64         `json:"seq"`
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
		Prev string         `json:"prev"`
	}{seq, eventType, data, prev})
}

// Append adds one entry and returns its sequence number.
func (l *Log) Append(eventType string, data map[string]any) (uint64, error) {
	l.mu.Lock()
	seq := uint64(len(l.entries)) + 1
	hash, err := entryHash(seq, eventType, data, l.head)
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("hash event: %w", err)
	}
	e := Entry{
		ID:          uuid.New(),
		Sequence:    seq,
		Type:        eventType,
		ContentHash: hash,
		PrevHash:    l.head,
		Timestamp:   l.clock(),
		Data:        data,
	}
	l.entries = append(l.entries, e)
	l.head = hash
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		_ = s.Store(&e)
	}
	return seq, nil
}

// Replay seeds an empty log from a previously mirrored chain, verifying
// linkage as it goes. Entries must be ordered by sequence from 1.
func (l *Log) Replay(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		return errors.New("replay into a non-empty log")
	}
	prev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("replay out of order at entry %d", i+1)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := entryHash(e.Sequence, e.Type, e.Data, e.PrevHash)
		if err != nil {
			return fmt.Errorf("rehash entry %d: %w", i+1, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	l.entries = append(l.entries, entries...)
	l.head = prev
	return nil
}

// Record satisfies the registry's sink interface; append errors are
// unreachable for marshalable data and deliberately swallowed there.
func (l *Log) Record(eventType string, data map[string]any) {
	_, _ = l.Append(eventType, data)
}

// Get returns the entry at seq.
func (l *Log) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	e := l.entries[seq-1]
	return &e, nil
}

// Since returns all entries with sequence > after, oldest first.
func (l *Log) Since(after uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(after))
	copy(out, l.entries[after:])
	return out
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the whole chain and reports the first break, if any.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := entryHash(e.Sequence, e.Type, e.Data, e.PrevHash)
		if err != nil {
			return fmt.Errorf("rehash entry %d: %w", i+1, err)
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return nil
}
