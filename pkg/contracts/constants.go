package contracts

import (
	"bytes"
	"crypto/sha256"
)

// Domain separation tags for signing digests.
const (
	ExecDomainTag   = "mandate/exec/v1"
	CancelDomainTag = "mandate/cancel/v1"
)

// SelectorLen is the length of the sub-operation selector conventionally
// prefixed to a handler's opaque input.
const SelectorLen = 4

// MaxValueBytes caps the big-endian encoding of value and fee-budget fields.
const MaxValueBytes = 32

// MaxInputLen caps a single operation input blob.
const MaxInputLen = 1 << 20

// PauseSentinel is the reserved 32-byte constant an external handler returns
// verbatim to mean "precondition unmet, retry later". Inside the engine the
// tagged StepPaused outcome replaces it; the sentinel exists only at external
// boundaries (WASM, remote handlers).
var PauseSentinel = sha256.Sum256([]byte("mandate/paused/v1"))

// IsPauseSentinel reports whether raw is exactly the pause sentinel.
func IsPauseSentinel(raw []byte) bool {
	return len(raw) == len(PauseSentinel) && bytes.Equal(raw, PauseSentinel[:])
}
