// Package workflow holds the durable state of resumable, condition-gated
// processes. Instances are keyed by a derived hash, owned exclusively by the
// handler that created them, and never deleted. Terminal states are
// flagged, which preserves an auditable history.
package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

var (
	ErrNotFound         = errors.New("unknown workflow instance")
	ErrExists           = errors.New("workflow instance already exists")
	ErrCompleted        = errors.New("all periods executed")
	ErrCancelled        = errors.New("workflow instance is cancelled")
	ErrProgressOverflow = errors.New("progress would exceed declared total")
)

// Instance is one resumable workflow: a recurring-purchase position, a
// conditional task. Flow-specific configuration lives in Params; the engine
// and stores only understand the generic fields.
type Instance struct {
	ID      contracts.Hash    `json:"id"`
	Owner   contracts.Address `json:"owner"`
	Handler uint16            `json:"handler"`
	Kind    string            `json:"kind"`

	Progress     uint32    `json:"progress"`
	Total        uint32    `json:"total"`
	NextEligible time.Time `json:"next_eligible"`

	EscrowAsset string   `json:"escrow_asset,omitempty"`
	Escrow      *big.Int `json:"escrow,omitempty"`

	Params json.RawMessage `json:"params,omitempty"`

	Completed bool      `json:"completed"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
}

// DeriveID computes the instance key from its creation inputs, so the same
// owner creating the same workflow twice in one instant still gets distinct
// instances via seq.
func DeriveID(owner contracts.Address, params []byte, createdAt time.Time, seq uint64) contracts.Hash {
	h := sha256.New()
	h.Write(owner[:])
	h.Write(params)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], seq)
	h.Write(buf[:])
	var id contracts.Hash
	h.Sum(id[:0])
	return id
}

// Custody is the escrow account address derived from the instance ID.
func (in *Instance) Custody() contracts.Address {
	var a contracts.Address
	copy(a[:], in.ID[32-contracts.AddressLen:])
	return a
}

// Runnable returns the reason an EXECUTE must fail before any condition is
// even looked at. Cancellation is checked first: a cancelled instance never
// runs another step, met condition or not.
func (in *Instance) Runnable() error {
	if in.Cancelled {
		return ErrCancelled
	}
	if in.Completed {
		return ErrCompleted
	}
	return nil
}

// Advance increments progress, enforcing the declared total and flagging
// completion exactly when it is reached.
func (in *Instance) Advance() error {
	if in.Progress >= in.Total {
		return ErrProgressOverflow
	}
	in.Progress++
	if in.Progress == in.Total {
		in.Completed = true
	}
	return nil
}

// Clone deep-copies the instance so store callers can never alias live
// state.
func (in *Instance) Clone() *Instance {
	cp := *in
	if in.Escrow != nil {
		cp.Escrow = new(big.Int).Set(in.Escrow)
	}
	if in.Params != nil {
		cp.Params = append(json.RawMessage(nil), in.Params...)
	}
	return &cp
}

// Equal reports byte-level equality of every field; the pause-idempotence
// property tests are built on it.
func (in *Instance) Equal(other *Instance) bool {
	a, errA := json.Marshal(in)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}
