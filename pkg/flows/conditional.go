package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/conditions"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
)

// ConditionalParams configures one conditional task at CREATE: a condition
// query, the action to dispatch once it holds, and optional escrow the
// action spends from the instance's custody account.
type ConditionalParams struct {
	Condition     conditions.Query `json:"condition"`
	ActionHandler uint16           `json:"action_handler"`
	// ActionParams is the full opaque input for the nested action, selector
	// prefix included.
	ActionParams []byte   `json:"action_params"`
	EscrowAsset  string   `json:"escrow_asset,omitempty"`
	EscrowAmount *big.Int `json:"escrow_amount,omitempty"`
}

func (p *ConditionalParams) validate() error {
	switch {
	case len(p.ActionParams) < contracts.SelectorLen:
		return fmt.Errorf("%w: action params too short", ErrBadParams)
	case p.EscrowAmount != nil && p.EscrowAmount.Sign() > 0 && p.EscrowAsset == "":
		return fmt.Errorf("%w: escrow amount without asset", ErrBadParams)
	}
	return nil
}

// Conditional is the one-shot conditional task flow: EXECUTE checks the
// condition, pauses while it is unmet, and on the first met trigger runs the
// nested action exactly once and completes. Leftover custody funds go back
// to the owner on completion or cancellation.
type Conditional struct {
	id        uint16
	store     workflow.Store
	book      *treasury.Book
	invoker   capability.Invoker
	evaluator *conditions.Evaluator
	clock     func() time.Time
	logger    *slog.Logger
	seq       atomic.Uint64
}

// NewConditional wires the flow.
func NewConditional(id uint16, store workflow.Store, book *treasury.Book, invoker capability.Invoker, evaluator *conditions.Evaluator) *Conditional {
	return &Conditional{
		id:        id,
		store:     store,
		book:      book,
		invoker:   invoker,
		evaluator: evaluator,
		clock:     time.Now,
		logger:    slog.Default().With("component", "flows.conditional"),
	}
}

// WithClock overrides the time source. Test hook.
func (c *Conditional) WithClock(clock func() time.Time) *Conditional {
	c.clock = clock
	return c
}

func (c *Conditional) ID() uint16   { return c.id }
func (c *Conditional) Name() string { return "conditional-task" }

func (c *Conditional) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	sel, body, err := call.Selector()
	if err != nil {
		return nil, err
	}
	switch sel {
	case SubCreate:
		return c.create(ctx, call.Initiator, body)
	case SubExecute:
		return c.execute(ctx, call.Initiator, body)
	case SubCancel:
		return c.cancel(ctx, call.Initiator, body)
	default:
		return nil, unknownSub(sel)
	}
}

func (c *Conditional) create(ctx context.Context, owner contracts.Address, body []byte) (*capability.Result, error) {
	var p ConditionalParams
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("create body: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := c.clock()
	inst := &workflow.Instance{
		ID:           workflow.DeriveID(owner, body, now, c.seq.Add(1)),
		Owner:        owner,
		Handler:      c.id,
		Kind:         "conditional",
		Total:        1,
		NextEligible: now,
		Params:       json.RawMessage(body),
		CreatedAt:    now,
	}
	if p.EscrowAmount != nil && p.EscrowAmount.Sign() > 0 {
		inst.EscrowAsset = p.EscrowAsset
		inst.Escrow = new(big.Int).Set(p.EscrowAmount)
		if err := c.book.Transfer(ctx, p.EscrowAsset, owner, inst.Custody(), inst.Escrow); err != nil {
			return nil, fmt.Errorf("escrow: %w", err)
		}
	}
	if err := c.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	c.logger.Info("conditional task created", "instance", inst.ID, "owner", owner)
	out, err := json.Marshal(createReceipt{ID: inst.ID})
	if err != nil {
		return nil, err
	}
	return capability.Completed(out), nil
}

func (c *Conditional) execute(ctx context.Context, caller contracts.Address, body []byte) (*capability.Result, error) {
	var ref instanceRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("execute body: %w", err)
	}
	inst, err := c.store.Get(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if err := inst.Runnable(); err != nil {
		return nil, err
	}
	if caller != inst.Owner {
		return nil, ErrNotOwner
	}

	var p ConditionalParams
	if err := json.Unmarshal(inst.Params, &p); err != nil {
		return nil, fmt.Errorf("stored params: %w", err)
	}

	// Condition gate: unmet pauses before any mutation, a read failure is
	// fatal for the whole instruction.
	gate, err := c.evaluator.Check(ctx, &p.Condition)
	if err != nil {
		return nil, err
	}
	if gate.Paused {
		return gate, nil
	}

	res, err := invokeReverting(ctx, c.invoker, p.ActionHandler, &capability.Call{
		Initiator: inst.Custody(),
		Params:    p.ActionParams,
	})
	if err != nil {
		return nil, fmt.Errorf("conditional action: %w", err)
	}
	if res.Paused {
		return res, nil
	}

	if err := inst.Advance(); err != nil {
		return nil, err
	}
	c.refundLeftover(ctx, inst)
	if err := c.store.Update(ctx, inst); err != nil {
		return nil, err
	}

	c.logger.Info("conditional task executed", "instance", inst.ID)
	return capability.Completed(res.Output), nil
}

func (c *Conditional) cancel(ctx context.Context, caller contracts.Address, body []byte) (*capability.Result, error) {
	var ref instanceRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("cancel body: %w", err)
	}
	inst, err := c.store.Get(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if caller != inst.Owner {
		return nil, ErrNotOwner
	}
	if inst.Cancelled {
		return nil, workflow.ErrCancelled
	}

	c.refundLeftover(ctx, inst)
	inst.Cancelled = true
	if err := c.store.Update(ctx, inst); err != nil {
		return nil, err
	}

	c.logger.Info("conditional task cancelled", "instance", inst.ID)
	return capability.Completed(nil), nil
}

// refundLeftover returns whatever the action left in custody to the owner.
// The action may have spent less than the escrow, so the live balance is
// authoritative, not the recorded amount.
func (c *Conditional) refundLeftover(ctx context.Context, inst *workflow.Instance) {
	if inst.EscrowAsset == "" {
		return
	}
	left := c.book.BalanceOf(inst.EscrowAsset, inst.Custody())
	if left.Sign() > 0 {
		// Custody to owner cannot fail on balance: we just read it.
		_ = c.book.Transfer(ctx, inst.EscrowAsset, inst.Custody(), inst.Owner, left)
	}
	inst.Escrow = big.NewInt(0)
}

// EstimateFee covers one condition read plus one dispatch; advisory only.
func (c *Conditional) EstimateFee(_ context.Context, _ *capability.FeeRequest) (*capability.FeeQuote, error) {
	return &capability.FeeQuote{Fee: big.NewInt(4)}, nil
}
