package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/adapters"
	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
)

// RecurringParams configures one recurring purchase at CREATE.
type RecurringParams struct {
	PaymentAsset    string   `json:"payment_asset"`
	PurchaseAsset   string   `json:"purchase_asset"`
	Amount          *big.Int `json:"amount"`
	Periods         uint32   `json:"periods"`
	IntervalSeconds int64    `json:"interval_seconds"`
}

func (p *RecurringParams) validate() error {
	switch {
	case p.PaymentAsset == "" || p.PurchaseAsset == "":
		return fmt.Errorf("%w: both assets required", ErrBadParams)
	case p.Amount == nil || p.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrBadParams)
	case p.Periods == 0:
		return fmt.Errorf("%w: periods must be positive", ErrBadParams)
	case p.IntervalSeconds <= 0:
		return fmt.Errorf("%w: interval must be positive", ErrBadParams)
	}
	return nil
}

// RecurringReceipt is the EXECUTE output of a completed period.
type RecurringReceipt struct {
	Period uint32          `json:"period"`
	Swap   json.RawMessage `json:"swap,omitempty"`
}

// Recurring is the recurring-purchase flow. CREATE escrows amount x periods
// of the payment asset into the instance's custody account; each eligible
// EXECUTE swaps one period's amount into the purchase asset for the owner;
// CANCEL refunds the unconsumed escrow.
type Recurring struct {
	id          uint16
	store       workflow.Store
	book        *treasury.Book
	invoker     capability.Invoker
	swapHandler uint16
	clock       func() time.Time
	logger      *slog.Logger
	seq         atomic.Uint64
}

// NewRecurring wires the flow; swapHandler is the registry id the nested
// purchase dispatches through.
func NewRecurring(id uint16, store workflow.Store, book *treasury.Book, invoker capability.Invoker, swapHandler uint16) *Recurring {
	return &Recurring{
		id:          id,
		store:       store,
		book:        book,
		invoker:     invoker,
		swapHandler: swapHandler,
		clock:       time.Now,
		logger:      slog.Default().With("component", "flows.recurring"),
	}
}

// WithClock overrides the time source. Test hook.
func (r *Recurring) WithClock(clock func() time.Time) *Recurring {
	r.clock = clock
	return r
}

func (r *Recurring) ID() uint16   { return r.id }
func (r *Recurring) Name() string { return "recurring-purchase" }

func (r *Recurring) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	sel, body, err := call.Selector()
	if err != nil {
		return nil, err
	}
	switch sel {
	case SubCreate:
		return r.create(ctx, call.Initiator, body)
	case SubExecute:
		return r.execute(ctx, call.Initiator, body)
	case SubCancel:
		return r.cancel(ctx, call.Initiator, body)
	default:
		return nil, unknownSub(sel)
	}
}

func (r *Recurring) create(ctx context.Context, owner contracts.Address, body []byte) (*capability.Result, error) {
	var p RecurringParams
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("create body: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := r.clock()
	inst := &workflow.Instance{
		ID:           workflow.DeriveID(owner, body, now, r.seq.Add(1)),
		Owner:        owner,
		Handler:      r.id,
		Kind:         "recurring",
		Total:        p.Periods,
		NextEligible: now, // first period is immediately eligible
		EscrowAsset:  p.PaymentAsset,
		Escrow:       new(big.Int).Mul(p.Amount, big.NewInt(int64(p.Periods))),
		Params:       json.RawMessage(body),
		CreatedAt:    now,
	}

	if err := r.book.Transfer(ctx, p.PaymentAsset, owner, inst.Custody(), inst.Escrow); err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}
	if err := r.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	r.logger.Info("recurring purchase created",
		"instance", inst.ID, "owner", owner, "periods", p.Periods)
	out, err := json.Marshal(createReceipt{ID: inst.ID})
	if err != nil {
		return nil, err
	}
	return capability.Completed(out), nil
}

func (r *Recurring) execute(ctx context.Context, caller contracts.Address, body []byte) (*capability.Result, error) {
	var ref instanceRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("execute body: %w", err)
	}
	inst, err := r.store.Get(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if err := inst.Runnable(); err != nil {
		return nil, err
	}
	if caller != inst.Owner {
		return nil, ErrNotOwner
	}

	var p RecurringParams
	if err := json.Unmarshal(inst.Params, &p); err != nil {
		return nil, fmt.Errorf("stored params: %w", err)
	}

	// Time gate: an early trigger pauses before touching anything.
	now := r.clock()
	if now.Before(inst.NextEligible) {
		return capability.Paused(fmt.Sprintf("next period eligible at %s", inst.NextEligible.UTC().Format(time.RFC3339))), nil
	}

	swapBody, err := json.Marshal(adapters.SwapParams{
		PayAsset:     p.PaymentAsset,
		ReceiveAsset: p.PurchaseAsset,
		Amount:       p.Amount,
		Recipient:    inst.Owner,
	})
	if err != nil {
		return nil, err
	}
	res, err := invokeReverting(ctx, r.invoker, r.swapHandler, &capability.Call{
		Initiator: inst.Custody(),
		Params:    contracts.WithSelector(adapters.SwapSubSwap, swapBody),
		Value:     p.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("period purchase: %w", err)
	}
	if res.Paused {
		return res, nil
	}

	if err := inst.Advance(); err != nil {
		return nil, err
	}
	inst.Escrow = new(big.Int).Sub(inst.Escrow, p.Amount)
	inst.NextEligible = now.Add(time.Duration(p.IntervalSeconds) * time.Second)
	if err := r.store.Update(ctx, inst); err != nil {
		return nil, err
	}

	r.logger.Info("recurring period executed",
		"instance", inst.ID, "period", inst.Progress, "total", inst.Total)
	out, err := json.Marshal(RecurringReceipt{Period: inst.Progress, Swap: res.Output})
	if err != nil {
		return nil, err
	}
	return capability.Completed(out), nil
}

func (r *Recurring) cancel(ctx context.Context, caller contracts.Address, body []byte) (*capability.Result, error) {
	var ref instanceRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return nil, fmt.Errorf("cancel body: %w", err)
	}
	inst, err := r.store.Get(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	if caller != inst.Owner {
		return nil, ErrNotOwner
	}
	if inst.Cancelled {
		return nil, workflow.ErrCancelled
	}

	if inst.Escrow != nil && inst.Escrow.Sign() > 0 {
		if err := r.book.Transfer(ctx, inst.EscrowAsset, inst.Custody(), inst.Owner, inst.Escrow); err != nil {
			return nil, fmt.Errorf("refund: %w", err)
		}
	}
	refunded := inst.Escrow
	inst.Escrow = big.NewInt(0)
	inst.Cancelled = true
	if err := r.store.Update(ctx, inst); err != nil {
		return nil, err
	}

	r.logger.Info("recurring purchase cancelled",
		"instance", inst.ID, "refunded", refunded)
	return capability.Completed(nil), nil
}

// EstimateFee charges per remaining period dispatch; advisory only.
func (r *Recurring) EstimateFee(_ context.Context, _ *capability.FeeRequest) (*capability.FeeQuote, error) {
	return &capability.FeeQuote{Fee: big.NewInt(5)}, nil
}
