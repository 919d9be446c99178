// Package conditions implements the read-compare-pause primitive: a
// read-only query whose unmet comparison yields the retry-later outcome
// instead of an error. A failed read is a hard failure: unlike an unmet
// condition, retrying it cannot help and would mask a caller bug.
package conditions

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

var (
	ErrUnknownSource = errors.New("no readable view at address")
	ErrBadOperator   = errors.New("unknown comparison operator")
)

// Op is one of the six comparison operators.
type Op string

const (
	OpLT Op = "LT"
	OpGT Op = "GT"
	OpLE Op = "LE"
	OpGE Op = "GE"
	OpEQ Op = "EQ"
	OpNE Op = "NE"
)

// Compare applies op to (value, threshold).
func Compare(value, threshold *big.Int, op Op) (bool, error) {
	if value == nil {
		value = new(big.Int)
	}
	if threshold == nil {
		threshold = new(big.Int)
	}
	c := value.Cmp(threshold)
	switch op {
	case OpLT:
		return c < 0, nil
	case OpGT:
		return c > 0, nil
	case OpLE:
		return c <= 0, nil
	case OpGE:
		return c >= 0, nil
	case OpEQ:
		return c == 0, nil
	case OpNE:
		return c != 0, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrBadOperator, op)
	}
}

// Readable is a read-only numeric view: price feeds, balance views, health
// ratios. Read must not mutate anything.
type Readable interface {
	Read(ctx context.Context, data []byte) (*big.Int, error)
}

// ReadFunc adapts a function to Readable.
type ReadFunc func(ctx context.Context, data []byte) (*big.Int, error)

func (f ReadFunc) Read(ctx context.Context, data []byte) (*big.Int, error) {
	return f(ctx, data)
}

// Router resolves addresses to readable views.
type Router struct {
	mu    sync.RWMutex
	views map[contracts.Address]Readable
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{views: make(map[contracts.Address]Readable)}
}

// Register binds a view to an address.
func (r *Router) Register(addr contracts.Address, view Readable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[addr] = view
}

// Read queries the view at addr.
func (r *Router) Read(ctx context.Context, addr contracts.Address, data []byte) (*big.Int, error) {
	r.mu.RLock()
	view, ok := r.views[addr]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, addr)
	}
	return view.Read(ctx, data)
}

// Query is the generic condition: read a number from a source and compare
// it against a threshold. When Predicate is set, a CEL expression over
// {value, threshold} decides instead of the operator.
type Query struct {
	Source    contracts.Address `json:"source"`
	Data      []byte            `json:"data,omitempty"`
	Op        Op                `json:"op,omitempty"`
	Threshold *big.Int          `json:"threshold,omitempty"`
	Predicate string            `json:"predicate,omitempty"`
}

// Evaluator checks queries against a router.
type Evaluator struct {
	router *Router
	cel    *celCache
}

// NewEvaluator creates an evaluator over the given router.
func NewEvaluator(router *Router) (*Evaluator, error) {
	cache, err := newCELCache()
	if err != nil {
		return nil, err
	}
	return &Evaluator{router: router, cel: cache}, nil
}

// Check evaluates one query. Unmet conditions return the paused outcome with
// the read value in the reason; met conditions return an empty completed
// result. Read and predicate failures are errors.
func (e *Evaluator) Check(ctx context.Context, q *Query) (*capability.Result, error) {
	value, err := e.router.Read(ctx, q.Source, q.Data)
	if err != nil {
		return nil, fmt.Errorf("condition read: %w", err)
	}

	var met bool
	if q.Predicate != "" {
		met, err = e.cel.eval(q.Predicate, value, q.Threshold)
	} else {
		met, err = Compare(value, q.Threshold, q.Op)
	}
	if err != nil {
		return nil, err
	}
	if !met {
		return capability.Paused(fmt.Sprintf("condition unmet: value=%s threshold=%s", value, q.Threshold)), nil
	}
	return capability.Completed(nil), nil
}
