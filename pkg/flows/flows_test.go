package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/adapters"
	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/conditions"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapInvoker routes nested calls straight to an in-test handler table.
type mapInvoker map[uint16]capability.Handler

func (m mapInvoker) Invoke(ctx context.Context, handlerID uint16, call *capability.Call) (*capability.Result, error) {
	h, ok := m[handlerID]
	if !ok {
		return nil, fmt.Errorf("no handler %d", handlerID)
	}
	return h.Execute(ctx, call)
}

func addr(b byte) contracts.Address {
	var a contracts.Address
	a[0] = b
	return a
}

func flowCall(t *testing.T, initiator contracts.Address, sel uint32, v any) *capability.Call {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &capability.Call{Initiator: initiator, Params: contracts.WithSelector(sel, raw)}
}

type recurringFixture struct {
	book  *treasury.Book
	store *workflow.MemoryStore
	flow  *Recurring
	now   time.Time
}

func newRecurringFixture(t *testing.T, owner contracts.Address) *recurringFixture {
	t.Helper()
	ctx := context.Background()
	book := treasury.NewBook()
	venue := addr(0xEE)
	require.NoError(t, book.Mint(ctx, "USD", owner, big.NewInt(1000)))
	require.NoError(t, book.Mint(ctx, "BTC", venue, big.NewInt(1_000_000)))

	swap := adapters.NewSwapAdapter(2, book, venue)
	swap.AddPool("USD", "BTC", big.NewInt(1_000_000), big.NewInt(1_000_000))

	f := &recurringFixture{
		book:  book,
		store: workflow.NewMemoryStore(),
		now:   time.Unix(1_700_000_000, 0).UTC(),
	}
	f.flow = NewRecurring(3, f.store, book, mapInvoker{2: swap}, 2).
		WithClock(func() time.Time { return f.now })
	return f
}

// run executes one trigger under a fresh journal, the way each instruction
// submission does, reverting on error and committing otherwise.
func (f *recurringFixture) run(t *testing.T, call *capability.Call) (*capability.Result, error) {
	t.Helper()
	j := state.NewJournal()
	ctx := state.WithJournal(context.Background(), j)
	res, err := f.flow.Execute(ctx, call)
	if err != nil {
		j.Revert(0)
		return nil, err
	}
	j.Commit()
	return res, nil
}

func createRecurring(t *testing.T, f *recurringFixture, owner contracts.Address, p RecurringParams) contracts.Hash {
	t.Helper()
	res, err := f.run(t, flowCall(t, owner, SubCreate, p))
	require.NoError(t, err)
	var receipt struct {
		ID contracts.Hash `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &receipt))
	return receipt.ID
}

func TestRecurringTenPeriodScenario(t *testing.T) {
	owner := addr(1)
	f := newRecurringFixture(t, owner)
	week := 7 * 24 * time.Hour

	id := createRecurring(t, f, owner, RecurringParams{
		PaymentAsset:    "USD",
		PurchaseAsset:   "BTC",
		Amount:          big.NewInt(100),
		Periods:         10,
		IntervalSeconds: int64(week / time.Second),
	})

	// Full escrow moved to custody at creation.
	assert.Equal(t, big.NewInt(0), f.book.BalanceOf("USD", owner))

	// First trigger executes period 1.
	res, err := f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
	require.NoError(t, err)
	require.False(t, res.Paused)

	inst, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), inst.Progress)
	assert.Equal(t, f.now.Add(week), inst.NextEligible)
	assert.Equal(t, big.NewInt(900), inst.Escrow)
	assert.Positive(t, f.book.BalanceOf("BTC", owner).Sign())

	// Same-day retrigger pauses with zero mutation.
	before, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	res, err = f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
	require.NoError(t, err)
	require.True(t, res.Paused)
	assert.Contains(t, res.Reason, "next period eligible")
	after, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	// Periods 2..10.
	for period := 2; period <= 10; period++ {
		f.now = f.now.Add(week)
		res, err = f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
		require.NoError(t, err, "period %d", period)
		require.False(t, res.Paused, "period %d", period)
	}

	inst, err = f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, inst.Completed)
	assert.Equal(t, uint32(10), inst.Progress)
	assert.Equal(t, big.NewInt(0), inst.Escrow)
	assert.Equal(t, big.NewInt(0), f.book.BalanceOf("USD", inst.Custody()))

	// An eleventh trigger is a hard failure, not a pause.
	f.now = f.now.Add(week)
	_, err = f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
	require.ErrorIs(t, err, workflow.ErrCompleted)
}

func TestRecurringOwnerOnly(t *testing.T) {
	owner, stranger := addr(1), addr(2)
	f := newRecurringFixture(t, owner)
	id := createRecurring(t, f, owner, RecurringParams{
		PaymentAsset: "USD", PurchaseAsset: "BTC",
		Amount: big.NewInt(100), Periods: 2, IntervalSeconds: 60,
	})

	_, err := f.run(t, flowCall(t, stranger, SubExecute, instanceRef{ID: id}))
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = f.run(t, flowCall(t, stranger, SubCancel, instanceRef{ID: id}))
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestRecurringCancelRefundsEscrow(t *testing.T) {
	owner := addr(1)
	f := newRecurringFixture(t, owner)
	id := createRecurring(t, f, owner, RecurringParams{
		PaymentAsset: "USD", PurchaseAsset: "BTC",
		Amount: big.NewInt(100), Periods: 5, IntervalSeconds: 60,
	})

	// One period executes, then the owner cancels.
	_, err := f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
	require.NoError(t, err)
	_, err = f.run(t, flowCall(t, owner, SubCancel, instanceRef{ID: id}))
	require.NoError(t, err)

	// 500 escrowed, 100 spent, 400 refunded.
	assert.Equal(t, big.NewInt(900), f.book.BalanceOf("USD", owner))

	_, err = f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: id}))
	require.ErrorIs(t, err, workflow.ErrCancelled)
	_, err = f.run(t, flowCall(t, owner, SubCancel, instanceRef{ID: id}))
	require.ErrorIs(t, err, workflow.ErrCancelled)
}

func TestRecurringCreateValidation(t *testing.T) {
	owner := addr(1)
	f := newRecurringFixture(t, owner)

	cases := []RecurringParams{
		{PurchaseAsset: "BTC", Amount: big.NewInt(1), Periods: 1, IntervalSeconds: 1},
		{PaymentAsset: "USD", PurchaseAsset: "BTC", Amount: big.NewInt(0), Periods: 1, IntervalSeconds: 1},
		{PaymentAsset: "USD", PurchaseAsset: "BTC", Amount: big.NewInt(1), Periods: 0, IntervalSeconds: 1},
		{PaymentAsset: "USD", PurchaseAsset: "BTC", Amount: big.NewInt(1), Periods: 1, IntervalSeconds: 0},
	}
	for i, p := range cases {
		_, err := f.run(t, flowCall(t, owner, SubCreate, p))
		require.ErrorIs(t, err, ErrBadParams, "case %d", i)
	}
}

func TestRecurringUnknownInstance(t *testing.T) {
	owner := addr(1)
	f := newRecurringFixture(t, owner)
	var bogus contracts.Hash
	bogus[0] = 0xFF
	_, err := f.run(t, flowCall(t, owner, SubExecute, instanceRef{ID: bogus}))
	require.ErrorIs(t, err, workflow.ErrNotFound)
}

// pausingHandler mutates the book and then pauses, to prove nested pause
// reverts the callee's partial effects.
type pausingHandler struct {
	book *treasury.Book
	sink contracts.Address
}

func (p *pausingHandler) ID() uint16   { return 77 }
func (p *pausingHandler) Name() string { return "pausing" }

func (p *pausingHandler) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	if err := p.book.Transfer(ctx, "USD", call.Initiator, p.sink, big.NewInt(10)); err != nil {
		return nil, err
	}
	return capability.Paused("not yet"), nil
}

func (p *pausingHandler) EstimateFee(context.Context, *capability.FeeRequest) (*capability.FeeQuote, error) {
	return &capability.FeeQuote{Fee: big.NewInt(0)}, nil
}

func TestConditionalFlow(t *testing.T) {
	ctx := context.Background()
	owner, merchant, oracle := addr(1), addr(5), addr(0xAB)
	book := treasury.NewBook()
	require.NoError(t, book.Mint(ctx, "USD", owner, big.NewInt(200)))

	price := big.NewInt(900)
	router := conditions.NewRouter()
	router.Register(oracle, conditions.ReadFunc(func(context.Context, []byte) (*big.Int, error) {
		return new(big.Int).Set(price), nil
	}))
	eval, err := conditions.NewEvaluator(router)
	require.NoError(t, err)

	asset := adapters.NewAssetAdapter(1, book)
	store := workflow.NewMemoryStore()
	flow := NewConditional(4, store, book, mapInvoker{1: asset}, eval)

	run := func(call *capability.Call) (*capability.Result, error) {
		j := state.NewJournal()
		res, err := flow.Execute(state.WithJournal(ctx, j), call)
		if err != nil {
			j.Revert(0)
			return nil, err
		}
		j.Commit()
		return res, nil
	}

	actionBody, err := json.Marshal(adapters.TransferParams{
		Asset: "USD", To: merchant, Amount: big.NewInt(50),
	})
	require.NoError(t, err)

	res, err := run(flowCall(t, owner, SubCreate, ConditionalParams{
		Condition: conditions.Query{
			Source:    oracle,
			Op:        conditions.OpGE,
			Threshold: big.NewInt(1000),
		},
		ActionHandler: 1,
		ActionParams:  contracts.WithSelector(adapters.AssetSubTransfer, actionBody),
		EscrowAsset:   "USD",
		EscrowAmount:  big.NewInt(50),
	}))
	require.NoError(t, err)
	var receipt struct {
		ID contracts.Hash `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &receipt))
	assert.Equal(t, big.NewInt(150), book.BalanceOf("USD", owner))

	// Condition unmet: pause, no movement.
	res, err = run(flowCall(t, owner, SubExecute, instanceRef{ID: receipt.ID}))
	require.NoError(t, err)
	require.True(t, res.Paused)
	assert.Contains(t, res.Reason, "condition unmet")
	assert.Equal(t, big.NewInt(0), book.BalanceOf("USD", merchant))

	// Condition met: action runs once and the task completes.
	price.SetInt64(1100)
	res, err = run(flowCall(t, owner, SubExecute, instanceRef{ID: receipt.ID}))
	require.NoError(t, err)
	require.False(t, res.Paused)
	assert.Equal(t, big.NewInt(50), book.BalanceOf("USD", merchant))

	inst, err := store.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.True(t, inst.Completed)

	_, err = run(flowCall(t, owner, SubExecute, instanceRef{ID: receipt.ID}))
	require.ErrorIs(t, err, workflow.ErrCompleted)
}

func TestConditionalNestedPauseReverts(t *testing.T) {
	ctx := context.Background()
	owner, sink, oracle := addr(1), addr(6), addr(0xAB)
	book := treasury.NewBook()
	require.NoError(t, book.Mint(ctx, "USD", owner, big.NewInt(100)))

	router := conditions.NewRouter()
	router.Register(oracle, conditions.ReadFunc(func(context.Context, []byte) (*big.Int, error) {
		return big.NewInt(1), nil
	}))
	eval, err := conditions.NewEvaluator(router)
	require.NoError(t, err)

	pauser := &pausingHandler{book: book, sink: sink}
	store := workflow.NewMemoryStore()
	flow := NewConditional(4, store, book, mapInvoker{77: pauser}, eval)

	j := state.NewJournal()
	jctx := state.WithJournal(ctx, j)

	res, err := flow.Execute(jctx, flowCall(t, owner, SubCreate, ConditionalParams{
		Condition:     conditions.Query{Source: oracle, Op: conditions.OpGT, Threshold: big.NewInt(0)},
		ActionHandler: 77,
		ActionParams:  contracts.WithSelector(1, nil),
		EscrowAsset:   "USD",
		EscrowAmount:  big.NewInt(20),
	}))
	require.NoError(t, err)
	var receipt struct {
		ID contracts.Hash `json:"id"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &receipt))

	custody, err := store.Get(ctx, receipt.ID)
	require.NoError(t, err)

	// Condition holds but the action pauses after moving funds; the move
	// must be unwound and the instance untouched.
	res, err = flow.Execute(jctx, flowCall(t, owner, SubExecute, instanceRef{ID: receipt.ID}))
	require.NoError(t, err)
	require.True(t, res.Paused)
	assert.Equal(t, big.NewInt(0), book.BalanceOf("USD", sink))
	assert.Equal(t, big.NewInt(20), book.BalanceOf("USD", custody.Custody()))

	after, err := store.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), after.Progress)
	assert.False(t, after.Completed)
}
