// Package capability defines the uniform contract every handler implements,
// whether it is a stateless protocol adapter or a stateful resumable flow.
// Handlers receive (initiator, opaque params) and return an opaque result or
// the tagged paused outcome; the processor never knows anything beyond this
// surface, which is what lets new handlers ship without engine changes.
package capability

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// ErrNotBound is returned when no handler implementation is bound to an
// address.
var ErrNotBound = errors.New("no handler bound to address")

// Call carries one dispatched step into a handler.
type Call struct {
	// Initiator is the authenticated principal the instruction was signed by,
	// not the trigger that submitted it.
	Initiator contracts.Address
	// Params is the opaque input blob; its first four bytes conventionally
	// select a sub-operation.
	Params []byte
	// Value is the economic amount the operation declared. Nil means zero.
	Value *big.Int
}

// Selector splits the call's params into selector and body.
func (c *Call) Selector() (uint32, []byte, error) {
	return contracts.Selector(c.Params)
}

// Result is a handler's tagged outcome. A nil Result with a nil error is
// treated as Completed with empty output.
type Result struct {
	Output []byte
	Paused bool
	// Reason explains a pause; empty otherwise.
	Reason string
}

// Completed builds a completed result.
func Completed(output []byte) *Result {
	return &Result{Output: output}
}

// Paused builds the retry-later outcome. It must never accompany state
// mutation: a paused invocation has to be byte-for-byte idempotent.
func Paused(reason string) *Result {
	return &Result{Paused: true, Reason: reason}
}

// FeeRequest asks a handler for an advisory fee quote.
type FeeRequest struct {
	Network   uint32
	Value     *big.Int
	GasBudget *big.Int
}

// FeeQuote is a handler's advisory fee estimate.
type FeeQuote struct {
	Fee      *big.Int `json:"fee"`
	GasLimit *big.Int `json:"gas_limit,omitempty"`
}

// Handler is the capability interface.
type Handler interface {
	// ID is the registry identifier the handler self-describes as.
	ID() uint16
	// Name is a short human-readable identifier.
	Name() string
	// Execute performs the step or returns the paused outcome. A non-nil
	// error is fatal for the containing instruction.
	Execute(ctx context.Context, call *Call) (*Result, error)
	// EstimateFee is purely advisory and must not change state.
	EstimateFee(ctx context.Context, req *FeeRequest) (*FeeQuote, error)
}

// Invoker lets a handler dispatch nested calls through the engine, subject
// to the engine's depth bound and cycle guard.
type Invoker interface {
	Invoke(ctx context.Context, handlerID uint16, call *Call) (*Result, error)
}

// Host binds handler addresses to implementations. The registry maps IDs to
// addresses; the host maps addresses to the code behind them.
type Host struct {
	mu       sync.RWMutex
	handlers map[contracts.Address]Handler
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{handlers: make(map[contracts.Address]Handler)}
}

// Bind attaches a handler implementation to an address.
func (h *Host) Bind(addr contracts.Address, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[addr] = handler
}

// Resolve returns the handler bound to addr.
func (h *Host) Resolve(addr contracts.Address) (Handler, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, addr)
	}
	return handler, nil
}

// BindingFor derives a deterministic host address for a handler ID. Used by
// wiring code that has no external address scheme of its own.
func BindingFor(id uint16) contracts.Address {
	var a contracts.Address
	a[0] = 0xCA
	a[1] = 0xFE
	a[18] = byte(id >> 8)
	a[19] = byte(id)
	return a
}
