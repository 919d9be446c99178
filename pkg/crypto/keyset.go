package crypto

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// keysetFile is the on-disk YAML form of a keyset.
type keysetFile struct {
	Keys []struct {
		ID   string `yaml:"id"`
		Seed string `yaml:"seed"` // 32-byte Ed25519 seed, hex
	} `yaml:"keys"`
}

// Keyset holds the daemon's signing keys, supporting rotation: keys are
// addressed by ID and the lexicographically last ID is the active one.
type Keyset struct {
	mu      sync.RWMutex
	signers map[string]*Signer
	logger  *slog.Logger
}

// NewKeyset creates an empty keyset.
func NewKeyset() *Keyset {
	return &Keyset{
		signers: make(map[string]*Signer),
		logger:  slog.Default().With("component", "keyset"),
	}
}

// Add inserts or replaces a signer.
func (k *Keyset) Add(s *Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID] = s
}

// Get returns the signer with the given ID.
func (k *Keyset) Get(id string) (*Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[id]
	return s, ok
}

// Active returns the signer with the lexicographically last key ID.
func (k *Keyset) Active() (*Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.signers) == 0 {
		return nil, fmt.Errorf("keyset is empty")
	}
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return k.signers[ids[len(ids)-1]], nil
}

// LoadFile replaces the keyset contents from a YAML file.
func (k *Keyset) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read keyset: %w", err)
	}
	var f keysetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse keyset: %w", err)
	}
	next := make(map[string]*Signer, len(f.Keys))
	for _, entry := range f.Keys {
		seed, err := hex.DecodeString(entry.Seed)
		if err != nil {
			return fmt.Errorf("key %q: invalid seed hex: %w", entry.ID, err)
		}
		s, err := NewSignerFromSeed(seed, entry.ID)
		if err != nil {
			return fmt.Errorf("key %q: %w", entry.ID, err)
		}
		next[entry.ID] = s
	}
	k.mu.Lock()
	k.signers = next
	k.mu.Unlock()
	return nil
}

// SaveFile writes the keyset to a YAML file with 0600 permissions.
func (k *Keyset) SaveFile(path string) error {
	k.mu.RLock()
	var f keysetFile
	ids := make([]string, 0, len(k.signers))
	for id := range k.signers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f.Keys = append(f.Keys, struct {
			ID   string `yaml:"id"`
			Seed string `yaml:"seed"`
		}{ID: id, Seed: hex.EncodeToString(k.signers[id].Seed())})
	}
	k.mu.RUnlock()

	raw, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal keyset: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// Watch reloads the keyset whenever the file changes, until ctx is done.
// Editors and config managers replace files rather than write in place, so
// the watch is on the parent directory.
func (k *Keyset) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keyset watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("keyset watcher: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := k.LoadFile(path); err != nil {
					k.logger.Error("keyset reload failed", "path", path, "error", err)
					continue
				}
				k.logger.Info("keyset reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				k.logger.Error("keyset watcher error", "error", err)
			}
		}
	}()
	return nil
}
