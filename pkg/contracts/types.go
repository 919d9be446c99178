// Package contracts defines the wire-level types of the mandate protocol:
// addresses, instructions, signed payloads, and per-step execution outcomes.
package contracts

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AddressLen is the byte length of a principal or handler address.
const AddressLen = 20

// Address identifies a principal, a handler binding, or an escrow account.
// Derived from an Ed25519 public key as sha256(pubkey)[12:].
type Address [AddressLen]byte

// ZeroAddress is the unset address.
var ZeroAddress Address

// Hex returns the 0x-prefixed lowercase hex form.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == ZeroAddress }

// ParseAddress parses a 0x-prefixed or bare 40-char hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(raw) != AddressLen {
		return a, fmt.Errorf("invalid address length: %d", len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MarshalText implements encoding.TextMarshaler (hex form in JSON).
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash is a 32-byte content digest.
type Hash [32]byte

// Hex returns the 0x-prefixed lowercase hex form.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

// ParseHash parses a 0x-prefixed or bare 64-char hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ToLower(string(text)), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("invalid hash length: %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Operation flags.
const (
	// FlagRepeat marks an operation as driving a resumable workflow. A
	// successful execution containing a repeat operation retains the
	// principal's nonce, so one signed payload can be retriggered until its
	// workflow completes or the principal cancels.
	FlagRepeat uint16 = 1 << 0
)

// Header describes an Instruction: its sequence number, operation count,
// and the digest of the operation/input payload it commits to.
type Header struct {
	Sequence    uint64 `json:"sequence"`
	OpCount     uint16 `json:"op_count"`
	PayloadHash Hash   `json:"payload_hash"`
}

// Operation is one step of an Instruction.
type Operation struct {
	// Network is the destination chain index. Operations targeting a
	// non-local network are recorded for relay instead of executed locally.
	Network uint32 `json:"network"`
	// Handler is the registry ID of the capability that executes this step.
	Handler uint16 `json:"handler"`
	// Value is the economic amount the step may move. Nil means zero.
	Value *big.Int `json:"value,omitempty"`
	// DirectTarget, when set, bypasses the registry and addresses a bound
	// handler directly.
	DirectTarget Address `json:"direct_target,omitempty"`
	Flags        uint16  `json:"flags"`
	// FeeBudget caps the execution fee the step may consume. Nil means zero.
	FeeBudget *big.Int `json:"fee_budget,omitempty"`
}

// Instruction is an immutable, ordered list of operations with their
// opaque input blobs. Inputs[i] parameterizes Operations[i]; by convention
// its first four bytes select a sub-operation of the handler.
type Instruction struct {
	Header     Header      `json:"header"`
	Operations []Operation `json:"operations"`
	Inputs     [][]byte    `json:"inputs"`
}

// SignedPayload wraps an Instruction with the principal's authorization.
// The signature covers sha3_256(execDomainTag || payloadHash || nonce_be64).
type SignedPayload struct {
	Instruction Instruction `json:"instruction"`
	Initiator   Address     `json:"initiator"`
	PublicKey   []byte      `json:"public_key"`
	Nonce       uint64      `json:"nonce"`
	Signature   []byte      `json:"signature"`
}

// CancellationRequest authorizes a nonce increment. The signature covers
// sha3_256(cancelDomainTag || initiator || nonce_be64) and the nonce must
// equal the principal's current counter, so a captured request cannot be
// replayed after it succeeds.
type CancellationRequest struct {
	Initiator Address `json:"initiator"`
	PublicKey []byte  `json:"public_key"`
	Nonce     uint64  `json:"nonce"`
	Signature []byte  `json:"signature"`
}

// StepStatus tags a per-step outcome.
type StepStatus string

const (
	// StepCompleted: the handler performed its effect.
	StepCompleted StepStatus = "COMPLETED"
	// StepPaused: the handler's precondition is not yet met; retry later.
	// Never an error, and never accompanied by state mutation.
	StepPaused StepStatus = "PAUSED"
	// StepFailed: the step failed; the whole batch aborts.
	StepFailed StepStatus = "FAILED"
	// StepRelayed: the step targets a remote network and was recorded for
	// relay instead of executed locally.
	StepRelayed StepStatus = "RELAYED"
)

// StepResult is the tagged outcome of one operation.
type StepResult struct {
	Index   int        `json:"index"`
	Handler uint16     `json:"handler"`
	Status  StepStatus `json:"status"`
	Output  []byte     `json:"output,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Receipt records the outcome of one payload submission.
type Receipt struct {
	PayloadHash Hash         `json:"payload_hash"`
	Initiator   Address      `json:"initiator"`
	Nonce       uint64       `json:"nonce"`
	Success     bool         `json:"success"`
	Paused      bool         `json:"paused"`
	PausedStep  int          `json:"paused_step,omitempty"`
	Steps       []StepResult `json:"steps"`
	Timestamp   time.Time    `json:"timestamp"`
}
