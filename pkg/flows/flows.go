// Package flows contains the resumable workflow handlers: a recurring
// purchase and a conditional task. Both implement capability.Handler with
// CREATE / EXECUTE / CANCEL sub-operations and keep their durable state in a
// workflow.Store; the economic effect of each period runs through nested
// dispatch, never directly.
package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
)

// Flow sub-operations.
const (
	SubCreate uint32 = iota + 1
	SubExecute
	SubCancel
)

var (
	ErrNotOwner   = errors.New("caller does not own workflow instance")
	ErrBadParams  = errors.New("invalid flow parameters")
	ErrNoEscrow   = errors.New("nothing escrowed")
	ErrUnknownSub = errors.New("unknown flow sub-operation")
)

// createReceipt is the CREATE output: the derived instance key the caller
// must quote on every subsequent trigger.
type createReceipt struct {
	ID contracts.Hash `json:"id"`
}

// instanceRef is the EXECUTE / CANCEL input body.
type instanceRef struct {
	ID contracts.Hash `json:"id"`
}

// invokeReverting dispatches a nested call and, when the callee pauses,
// rewinds any state it touched before pausing. A paused period must leave
// zero trace.
func invokeReverting(ctx context.Context, inv capability.Invoker, handlerID uint16, call *capability.Call) (*capability.Result, error) {
	j := state.FromContext(ctx)
	mark := 0
	if j != nil {
		mark = j.Snapshot()
	}
	res, err := inv.Invoke(ctx, handlerID, call)
	if err != nil {
		return nil, err
	}
	if res != nil && res.Paused && j != nil {
		j.Revert(mark)
	}
	return res, nil
}

func unknownSub(sel uint32) error {
	return fmt.Errorf("%w: %d", ErrUnknownSub, sel)
}
