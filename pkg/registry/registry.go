// Package registry is the directory the processor resolves handlers
// through: small integer IDs map to handler addresses, and chain indexes
// map to destination-network identifiers. Entries walk a one-way state
// machine (Unset -> Set -> Frozen) and a frozen entry's binding can never
// change again. New IDs can always be added; a live ID can be locked.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/Mindburn-Labs/mandate/pkg/canonical"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrNotRegistered       = errors.New("not registered")
	ErrFrozen              = errors.New("entry is frozen")
	ErrNotOwner            = errors.New("caller is not the registry owner")
	ErrBatchLengthMismatch = errors.New("batch argument lengths differ")
)

// Registry is the full directory surface. Writes are owner-gated; reads are
// public.
type Registry interface {
	SetAdapter(owner string, id uint16, addr contracts.Address, m *Manifest) error
	SetAdapters(owner string, ids []uint16, addrs []contracts.Address, manifests []*Manifest) error
	FreezeAdapter(owner string, id uint16) error
	FreezeAdapters(owner string, ids []uint16) error
	GetAdapter(id uint16) (contracts.Address, error)
	AdapterManifest(id uint16) (*Manifest, error)
	IsAdapterRegistered(id uint16) bool
	IsAdapterFrozen(id uint16) bool

	SetChain(owner string, index uint32, chainID string) error
	SetChains(owner string, indexes []uint32, chainIDs []string) error
	FreezeChain(owner string, index uint32) error
	FreezeChains(owner string, indexes []uint32) error
	GetChain(index uint32) (string, error)
	IsChainFrozen(index uint32) bool
}

// EventSink receives registry mutation events for the append-only log.
type EventSink interface {
	Record(eventType string, data map[string]any)
}

// Manifest self-describes an adapter binding: a human name, a semver
// version, and an optional JSON Schema that the processor validates
// sub-operation bodies against before dispatch.
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`

	compiled *jsonschema.Schema
}

// Validate normalizes the name, parses the version as semver, and compiles
// the params schema when present.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("manifest name is required")
	}
	m.Name = canonical.NFC(m.Name)
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("manifest version %q: %w", m.Version, err)
	}
	if len(m.ParamsSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.json", bytes.NewReader(m.ParamsSchema)); err != nil {
			return fmt.Errorf("params schema: %w", err)
		}
		schema, err := compiler.Compile("manifest.json")
		if err != nil {
			return fmt.Errorf("params schema: %w", err)
		}
		m.compiled = schema
	}
	return nil
}

// SemVer returns the parsed version. Validate must have succeeded.
func (m *Manifest) SemVer() *semver.Version {
	v, _ := semver.NewVersion(m.Version)
	return v
}

// CheckParams validates a JSON sub-operation body against the compiled
// schema. Manifests without a schema accept anything.
func (m *Manifest) CheckParams(body []byte) error {
	if m == nil || m.compiled == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := m.compiled.Validate(v); err != nil {
		return fmt.Errorf("params rejected by manifest schema: %w", err)
	}
	return nil
}
