package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// MaxCallDepth bounds nested dispatch through the Invoker.
const MaxCallDepth = 8

var (
	ErrDepthExceeded = errors.New("call depth exceeded")
	// ErrReentrantCall rejects dispatch to a handler already on the active
	// call stack; flows cannot recurse into themselves, directly or through
	// an intermediary.
	ErrReentrantCall = errors.New("reentrant handler call")
)

type callStackKey struct{}

func stackFrom(ctx context.Context) []uint16 {
	stack, _ := ctx.Value(callStackKey{}).([]uint16)
	return stack
}

func withFrame(ctx context.Context, stack []uint16, id uint16) context.Context {
	next := make([]uint16, len(stack)+1)
	copy(next, stack)
	next[len(stack)] = id
	return context.WithValue(ctx, callStackKey{}, next)
}

// Invoke dispatches a nested call on behalf of a handler, under the same
// journal and the depth and cycle bounds.
func (p *Processor) Invoke(ctx context.Context, handlerID uint16, call *capability.Call) (*capability.Result, error) {
	stack := stackFrom(ctx)
	if len(stack) >= MaxCallDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrDepthExceeded, len(stack))
	}
	for _, id := range stack {
		if id == handlerID {
			return nil, fmt.Errorf("%w: handler %d", ErrReentrantCall, handlerID)
		}
	}

	addr, err := p.registry.GetAdapter(handlerID)
	if err != nil {
		return nil, err
	}
	handler, err := p.host.Resolve(addr)
	if err != nil {
		return nil, err
	}
	if err := p.checkManifest(handlerID, call.Params); err != nil {
		return nil, err
	}
	return p.run(withFrame(ctx, stack, handlerID), handler, call)
}

// dispatch resolves and runs one top-level operation.
func (p *Processor) dispatch(ctx context.Context, op *contracts.Operation, input []byte, initiator contracts.Address) (*capability.Result, error) {
	var (
		addr contracts.Address
		err  error
	)
	if !op.DirectTarget.IsZero() {
		addr = op.DirectTarget
	} else {
		if addr, err = p.registry.GetAdapter(op.Handler); err != nil {
			return nil, err
		}
		if err = p.checkManifest(op.Handler, input); err != nil {
			return nil, err
		}
	}
	handler, err := p.host.Resolve(addr)
	if err != nil {
		return nil, err
	}
	call := &capability.Call{Initiator: initiator, Params: input, Value: op.Value}
	return p.run(withFrame(ctx, stackFrom(ctx), op.Handler), handler, call)
}

// checkManifest validates the call body against the adapter's declared
// params schema, when one exists.
func (p *Processor) checkManifest(id uint16, input []byte) error {
	m, err := p.registry.AdapterManifest(id)
	if err != nil || m == nil {
		return nil
	}
	if _, body, serr := contracts.Selector(input); serr == nil {
		if cerr := m.CheckParams(body); cerr != nil {
			return fmt.Errorf("params rejected by manifest %q: %w", m.Name, cerr)
		}
	}
	return nil
}

// run invokes the handler and normalizes its result, mapping the external
// pause sentinel to the tagged outcome at the boundary.
func (p *Processor) run(ctx context.Context, handler capability.Handler, call *capability.Call) (*capability.Result, error) {
	res, err := handler.Execute(ctx, call)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = capability.Completed(nil)
	}
	if !res.Paused && contracts.IsPauseSentinel(res.Output) {
		res = capability.Paused("handler signalled retry-later")
	}
	return res, nil
}
