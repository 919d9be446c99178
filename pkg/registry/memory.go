package registry

import (
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

type adapterEntry struct {
	addr     contracts.Address
	frozen   bool
	manifest *Manifest
}

type chainEntry struct {
	chainID string
	frozen  bool
}

// Directory is the thread-safe in-memory Registry.
type Directory struct {
	mu       sync.RWMutex
	owner    string
	adapters map[uint16]*adapterEntry
	chains   map[uint32]*chainEntry
	sink     EventSink
}

// NewDirectory creates a directory gated on the given owner token.
func NewDirectory(owner string) *Directory {
	return &Directory{
		owner:    owner,
		adapters: make(map[uint16]*adapterEntry),
		chains:   make(map[uint32]*chainEntry),
	}
}

// WithSink attaches an event sink for mutation events.
func (d *Directory) WithSink(sink EventSink) *Directory {
	d.sink = sink
	return d
}

func (d *Directory) emit(eventType string, data map[string]any) {
	if d.sink != nil {
		d.sink.Record(eventType, data)
	}
}

func (d *Directory) SetAdapter(owner string, id uint16, addr contracts.Address, m *Manifest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setAdapterLocked(owner, id, addr, m); err != nil {
		return err
	}
	d.emit("adapter.set", map[string]any{"id": id, "address": addr.Hex()})
	return nil
}

// SetAdapters applies all entries or none.
func (d *Directory) SetAdapters(owner string, ids []uint16, addrs []contracts.Address, manifests []*Manifest) error {
	if len(ids) != len(addrs) || len(ids) != len(manifests) {
		return ErrBatchLengthMismatch
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner != d.owner {
		return ErrNotOwner
	}
	for i, id := range ids {
		if entry, ok := d.adapters[id]; ok && entry.frozen {
			return fmt.Errorf("adapter %d: %w", id, ErrFrozen)
		}
		if manifests[i] != nil {
			if err := manifests[i].Validate(); err != nil {
				return fmt.Errorf("adapter %d: %w", id, err)
			}
		}
	}
	for i, id := range ids {
		d.adapters[id] = &adapterEntry{addr: addrs[i], manifest: manifests[i]}
		d.emit("adapter.set", map[string]any{"id": id, "address": addrs[i].Hex()})
	}
	return nil
}

func (d *Directory) FreezeAdapter(owner string, id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.freezeAdapterLocked(owner, id); err != nil {
		return err
	}
	d.emit("adapter.frozen", map[string]any{"id": id})
	return nil
}

// FreezeAdapters freezes all IDs or none.
func (d *Directory) FreezeAdapters(owner string, ids []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner != d.owner {
		return ErrNotOwner
	}
	for _, id := range ids {
		if _, ok := d.adapters[id]; !ok {
			return fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
		}
	}
	for _, id := range ids {
		d.adapters[id].frozen = true
		d.emit("adapter.frozen", map[string]any{"id": id})
	}
	return nil
}

func (d *Directory) GetAdapter(id uint16) (contracts.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.adapters[id]
	if !ok {
		return contracts.Address{}, fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
	}
	return entry.addr, nil
}

func (d *Directory) AdapterManifest(id uint16) (*Manifest, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.adapters[id]
	if !ok {
		return nil, fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
	}
	return entry.manifest, nil
}

func (d *Directory) IsAdapterRegistered(id uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.adapters[id]
	return ok
}

func (d *Directory) IsAdapterFrozen(id uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.adapters[id]
	return ok && entry.frozen
}

func (d *Directory) SetChain(owner string, index uint32, chainID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setChainLocked(owner, index, chainID); err != nil {
		return err
	}
	d.emit("chain.set", map[string]any{"index": index, "chain_id": chainID})
	return nil
}

func (d *Directory) SetChains(owner string, indexes []uint32, chainIDs []string) error {
	if len(indexes) != len(chainIDs) {
		return ErrBatchLengthMismatch
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner != d.owner {
		return ErrNotOwner
	}
	for _, index := range indexes {
		if entry, ok := d.chains[index]; ok && entry.frozen {
			return fmt.Errorf("chain %d: %w", index, ErrFrozen)
		}
	}
	for i, index := range indexes {
		d.chains[index] = &chainEntry{chainID: chainIDs[i]}
		d.emit("chain.set", map[string]any{"index": index, "chain_id": chainIDs[i]})
	}
	return nil
}

func (d *Directory) FreezeChain(owner string, index uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner != d.owner {
		return ErrNotOwner
	}
	entry, ok := d.chains[index]
	if !ok {
		return fmt.Errorf("chain %d: %w", index, ErrNotRegistered)
	}
	entry.frozen = true
	d.emit("chain.frozen", map[string]any{"index": index})
	return nil
}

func (d *Directory) FreezeChains(owner string, indexes []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner != d.owner {
		return ErrNotOwner
	}
	for _, index := range indexes {
		if _, ok := d.chains[index]; !ok {
			return fmt.Errorf("chain %d: %w", index, ErrNotRegistered)
		}
	}
	for _, index := range indexes {
		d.chains[index].frozen = true
		d.emit("chain.frozen", map[string]any{"index": index})
	}
	return nil
}

func (d *Directory) GetChain(index uint32) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.chains[index]
	if !ok {
		return "", fmt.Errorf("chain %d: %w", index, ErrNotRegistered)
	}
	return entry.chainID, nil
}

func (d *Directory) IsChainFrozen(index uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.chains[index]
	return ok && entry.frozen
}

func (d *Directory) setAdapterLocked(owner string, id uint16, addr contracts.Address, m *Manifest) error {
	if owner != d.owner {
		return ErrNotOwner
	}
	if entry, ok := d.adapters[id]; ok && entry.frozen {
		return fmt.Errorf("adapter %d: %w", id, ErrFrozen)
	}
	if m != nil {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("adapter %d: %w", id, err)
		}
	}
	d.adapters[id] = &adapterEntry{addr: addr, manifest: m}
	return nil
}

func (d *Directory) setChainLocked(owner string, index uint32, chainID string) error {
	if owner != d.owner {
		return ErrNotOwner
	}
	if entry, ok := d.chains[index]; ok && entry.frozen {
		return fmt.Errorf("chain %d: %w", index, ErrFrozen)
	}
	d.chains[index] = &chainEntry{chainID: chainID}
	return nil
}

func (d *Directory) freezeAdapterLocked(owner string, id uint16) error {
	if owner != d.owner {
		return ErrNotOwner
	}
	entry, ok := d.adapters[id]
	if !ok {
		return fmt.Errorf("adapter %d: %w", id, ErrNotRegistered)
	}
	entry.frozen = true
	return nil
}
