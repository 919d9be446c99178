package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		op   Op
		v, t int64
		want bool
	}{
		{OpLT, 1, 2, true}, {OpLT, 2, 2, false},
		{OpGT, 3, 2, true}, {OpGT, 2, 2, false},
		{OpLE, 2, 2, true}, {OpLE, 3, 2, false},
		{OpGE, 2, 2, true}, {OpGE, 1, 2, false},
		{OpEQ, 2, 2, true}, {OpEQ, 1, 2, false},
		{OpNE, 1, 2, true}, {OpNE, 2, 2, false},
	}
	for _, c := range cases {
		got, err := Compare(big.NewInt(c.v), big.NewInt(c.t), c.op)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%d %s %d", c.v, c.op, c.t)
	}

	_, err := Compare(big.NewInt(1), big.NewInt(2), Op("??"))
	assert.ErrorIs(t, err, ErrBadOperator)
}

func TestEvaluatorGenericQuery(t *testing.T) {
	router := NewRouter()
	source := contracts.Address{0x10}
	current := big.NewInt(50)
	router.Register(source, ReadFunc(func(context.Context, []byte) (*big.Int, error) {
		return new(big.Int).Set(current), nil
	}))

	ev, err := NewEvaluator(router)
	require.NoError(t, err)

	q := &Query{Source: source, Op: OpGE, Threshold: big.NewInt(100)}

	res, err := ev.Check(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Contains(t, res.Reason, "condition unmet")

	current = big.NewInt(150)
	res, err = ev.Check(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, res.Paused)
}

func TestEvaluatorReadFailureIsFatal(t *testing.T) {
	router := NewRouter()
	broken := contracts.Address{0x11}
	router.Register(broken, ReadFunc(func(context.Context, []byte) (*big.Int, error) {
		return nil, errors.New("feed offline")
	}))
	ev, err := NewEvaluator(router)
	require.NoError(t, err)

	_, err = ev.Check(context.Background(), &Query{Source: broken, Op: OpGT})
	assert.ErrorContains(t, err, "feed offline")

	_, err = ev.Check(context.Background(), &Query{Source: contracts.Address{0x99}, Op: OpGT})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestEvaluatorCELPredicate(t *testing.T) {
	router := NewRouter()
	source := contracts.Address{0x12}
	router.Register(source, ReadFunc(func(context.Context, []byte) (*big.Int, error) {
		return big.NewInt(42), nil
	}))
	ev, err := NewEvaluator(router)
	require.NoError(t, err)

	t.Run("met", func(t *testing.T) {
		res, err := ev.Check(context.Background(), &Query{
			Source: source, Threshold: big.NewInt(40),
			Predicate: "value > threshold && value % 2 == 0",
		})
		require.NoError(t, err)
		assert.False(t, res.Paused)
	})

	t.Run("unmet", func(t *testing.T) {
		res, err := ev.Check(context.Background(), &Query{
			Source: source, Threshold: big.NewInt(100),
			Predicate: "value > threshold",
		})
		require.NoError(t, err)
		assert.True(t, res.Paused)
	})

	t.Run("non-boolean predicate rejected", func(t *testing.T) {
		_, err := ev.Check(context.Background(), &Query{
			Source: source, Predicate: "value + 1",
		})
		assert.Error(t, err)
	})
}

type fakeBalances map[string]map[contracts.Address]*big.Int

func (f fakeBalances) BalanceOf(asset string, addr contracts.Address) *big.Int {
	if m, ok := f[asset]; ok {
		if v, ok := m[addr]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (f fakeBalances) Allowance(string, contracts.Address, contracts.Address) *big.Int {
	return new(big.Int)
}

func testAdapter(t *testing.T) (*Adapter, *Oracle) {
	t.Helper()
	router := NewRouter()
	ev, err := NewEvaluator(router)
	require.NoError(t, err)
	oracle := NewOracle()
	balances := fakeBalances{"USD": {contracts.Address{0x01}: big.NewInt(500)}}
	return NewAdapter(9, ev, balances, balances, oracle), oracle
}

func callWith(t *testing.T, sel uint32, body any) *capability.Call {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &capability.Call{Params: contracts.WithSelector(sel, raw)}
}

func TestAdapterSubOps(t *testing.T) {
	a, oracle := testAdapter(t)
	ctx := context.Background()

	t.Run("balance met and unmet", func(t *testing.T) {
		res, err := a.Execute(ctx, callWith(t, SubBalance, balanceBody{
			Asset: "USD", Address: contracts.Address{0x01}, Op: OpGE, Threshold: big.NewInt(100)}))
		require.NoError(t, err)
		assert.False(t, res.Paused)

		res, err = a.Execute(ctx, callWith(t, SubBalance, balanceBody{
			Asset: "USD", Address: contracts.Address{0x01}, Op: OpGE, Threshold: big.NewInt(1000)}))
		require.NoError(t, err)
		assert.True(t, res.Paused)
	})

	t.Run("price feed", func(t *testing.T) {
		_, err := a.Execute(ctx, callWith(t, SubPriceFeed, priceBody{
			Pair: "ETH/USD", Op: OpLE, Threshold: big.NewInt(2000)}))
		assert.ErrorIs(t, err, ErrUnknownPair)

		oracle.SetPrice("ETH/USD", big.NewInt(2500))
		res, err := a.Execute(ctx, callWith(t, SubPriceFeed, priceBody{
			Pair: "ETH/USD", Op: OpLE, Threshold: big.NewInt(2000)}))
		require.NoError(t, err)
		assert.True(t, res.Paused)

		oracle.SetPrice("ETH/USD", big.NewInt(1900))
		res, err = a.Execute(ctx, callWith(t, SubPriceFeed, priceBody{
			Pair: "ETH/USD", Op: OpLE, Threshold: big.NewInt(2000)}))
		require.NoError(t, err)
		assert.False(t, res.Paused)
	})

	t.Run("gas price", func(t *testing.T) {
		oracle.SetGasPrice(big.NewInt(80))
		res, err := a.Execute(ctx, callWith(t, SubGasPrice, gasBody{Op: OpLE, Threshold: big.NewInt(50)}))
		require.NoError(t, err)
		assert.True(t, res.Paused)
	})

	t.Run("health ratio", func(t *testing.T) {
		acct := contracts.Address{0x05}
		oracle.SetHealth(acct, big.NewInt(9500))
		res, err := a.Execute(ctx, callWith(t, SubHealthRatio, healthBody{
			Account: acct, Op: OpLT, Threshold: big.NewInt(10000)}))
		require.NoError(t, err)
		assert.False(t, res.Paused)
	})

	t.Run("time window", func(t *testing.T) {
		now := time.Unix(1000, 0)
		a.WithClock(func() time.Time { return now })

		res, err := a.Execute(ctx, callWith(t, SubTimeWindow, windowBody{NotBefore: 2000}))
		require.NoError(t, err)
		assert.True(t, res.Paused)

		res, err = a.Execute(ctx, callWith(t, SubTimeWindow, windowBody{NotBefore: 500, NotAfter: 1500}))
		require.NoError(t, err)
		assert.False(t, res.Paused)

		_, err = a.Execute(ctx, callWith(t, SubTimeWindow, windowBody{NotAfter: 900}))
		assert.ErrorIs(t, err, ErrWindowPassed)
	})

	t.Run("unknown sub-op", func(t *testing.T) {
		_, err := a.Execute(ctx, &capability.Call{Params: contracts.WithSelector(99, nil)})
		assert.ErrorIs(t, err, ErrUnknownSubOp)
	})
}

func TestOracleAsReadable(t *testing.T) {
	oracle := NewOracle()
	oracle.SetPrice("BTC/USD", big.NewInt(64000))

	raw, _ := json.Marshal(oracleQuery{Kind: "price", Pair: "BTC/USD"})
	v, err := oracle.Read(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, int64(64000), v.Int64())

	raw, _ = json.Marshal(oracleQuery{Kind: "nope"})
	_, err = oracle.Read(context.Background(), raw)
	assert.Error(t, err)
}
