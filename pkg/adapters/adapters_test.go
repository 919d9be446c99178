package adapters

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) contracts.Address {
	var a contracts.Address
	a[0] = b
	return a
}

func mustBody(t *testing.T, sel uint32, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return contracts.WithSelector(sel, raw)
}

func TestAssetAdapterTransfer(t *testing.T) {
	ctx := context.Background()
	book := treasury.NewBook()
	alice, bob := addr(1), addr(2)
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(100)))

	a := NewAssetAdapter(7, book)

	res, err := a.Execute(ctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, AssetSubTransfer, TransferParams{
			Asset: "USD", To: bob, Amount: big.NewInt(40),
		}),
	})
	require.NoError(t, err)
	assert.False(t, res.Paused)
	assert.Equal(t, big.NewInt(60), book.BalanceOf("USD", alice))
	assert.Equal(t, big.NewInt(40), book.BalanceOf("USD", bob))
}

func TestAssetAdapterInitiatorPays(t *testing.T) {
	// From in the body is ignored on plain transfers: only the initiator's
	// funds move regardless of what the payload claims.
	ctx := context.Background()
	book := treasury.NewBook()
	alice, bob, mallory := addr(1), addr(2), addr(3)
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(50)))
	require.NoError(t, book.Mint(ctx, "USD", mallory, big.NewInt(50)))

	a := NewAssetAdapter(7, book)
	_, err := a.Execute(ctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, AssetSubTransfer, TransferParams{
			Asset: "USD", From: mallory, To: bob, Amount: big.NewInt(10),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(40), book.BalanceOf("USD", alice))
	assert.Equal(t, big.NewInt(50), book.BalanceOf("USD", mallory))
}

func TestAssetAdapterApproveAndTransferFrom(t *testing.T) {
	ctx := context.Background()
	book := treasury.NewBook()
	alice, bob, spender := addr(1), addr(2), addr(4)
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(100)))

	a := NewAssetAdapter(7, book)

	_, err := a.Execute(ctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, AssetSubApprove, ApproveParams{
			Asset: "USD", Spender: spender, Amount: big.NewInt(30),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(30), book.Allowance("USD", alice, spender))

	_, err = a.Execute(ctx, &capability.Call{
		Initiator: spender,
		Params: mustBody(t, AssetSubTransferFrom, TransferParams{
			Asset: "USD", From: alice, To: bob, Amount: big.NewInt(25),
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(75), book.BalanceOf("USD", alice))
	assert.Equal(t, big.NewInt(25), book.BalanceOf("USD", bob))
	assert.Equal(t, big.NewInt(5), book.Allowance("USD", alice, spender))
}

func TestAssetAdapterErrors(t *testing.T) {
	ctx := context.Background()
	book := treasury.NewBook()
	a := NewAssetAdapter(7, book)

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := a.Execute(ctx, &capability.Call{
			Initiator: addr(1),
			Params: mustBody(t, AssetSubTransfer, TransferParams{
				Asset: "USD", To: addr(2), Amount: big.NewInt(1),
			}),
		})
		require.ErrorIs(t, err, treasury.ErrInsufficientBalance)
	})

	t.Run("unknown sub-op", func(t *testing.T) {
		_, err := a.Execute(ctx, &capability.Call{
			Initiator: addr(1),
			Params:    contracts.WithSelector(99, []byte(`{}`)),
		})
		require.ErrorIs(t, err, ErrUnknownSubOp)
	})

	t.Run("short params", func(t *testing.T) {
		_, err := a.Execute(ctx, &capability.Call{Initiator: addr(1), Params: []byte{0x01}})
		require.Error(t, err)
	})
}

func TestSwapAdapterQuote(t *testing.T) {
	book := treasury.NewBook()
	s := NewSwapAdapter(8, book, addr(9))
	s.AddPool("USD", "EUR", big.NewInt(1000), big.NewInt(900))

	res, err := s.Execute(context.Background(), &capability.Call{
		Initiator: addr(1),
		Params: mustBody(t, SwapSubQuote, SwapParams{
			PayAsset: "USD", ReceiveAsset: "EUR", Amount: big.NewInt(100),
		}),
	})
	require.NoError(t, err)

	var out SwapResult
	require.NoError(t, json.Unmarshal(res.Output, &out))
	// 900 * 100 / (1000 + 100) = 81
	assert.Equal(t, big.NewInt(81), out.AmountOut)
}

func TestSwapAdapterSwapSettlesBothLegs(t *testing.T) {
	ctx := context.Background()
	book := treasury.NewBook()
	alice, venue := addr(1), addr(9)
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(500)))
	require.NoError(t, book.Mint(ctx, "EUR", venue, big.NewInt(900)))

	s := NewSwapAdapter(8, book, venue)
	s.AddPool("USD", "EUR", big.NewInt(1000), big.NewInt(900))

	res, err := s.Execute(ctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, SwapSubSwap, SwapParams{
			PayAsset: "USD", ReceiveAsset: "EUR", Amount: big.NewInt(100),
		}),
	})
	require.NoError(t, err)

	var out SwapResult
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, big.NewInt(81), out.AmountOut)

	assert.Equal(t, big.NewInt(400), book.BalanceOf("USD", alice))
	assert.Equal(t, big.NewInt(81), book.BalanceOf("EUR", alice))
	assert.Equal(t, big.NewInt(100), book.BalanceOf("USD", venue))
	assert.Equal(t, big.NewInt(819), book.BalanceOf("EUR", venue))

	// Follow-up quote reflects the shifted reserves.
	out2, err := s.quote("USD", "EUR", big.NewInt(100))
	require.NoError(t, err)
	// 819 * 100 / (1100 + 100) = 68
	assert.Equal(t, big.NewInt(68), out2)
}

func TestSwapAdapterMinOut(t *testing.T) {
	ctx := context.Background()
	book := treasury.NewBook()
	alice, venue := addr(1), addr(9)
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(500)))
	require.NoError(t, book.Mint(ctx, "EUR", venue, big.NewInt(900)))

	s := NewSwapAdapter(8, book, venue)
	s.AddPool("USD", "EUR", big.NewInt(1000), big.NewInt(900))

	_, err := s.Execute(ctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, SwapSubSwap, SwapParams{
			PayAsset: "USD", ReceiveAsset: "EUR",
			Amount: big.NewInt(100), MinOut: big.NewInt(82),
		}),
	})
	require.ErrorIs(t, err, ErrExcessiveSlp)
	// Nothing moved.
	assert.Equal(t, big.NewInt(500), book.BalanceOf("USD", alice))
}

func TestSwapAdapterUnknownPool(t *testing.T) {
	s := NewSwapAdapter(8, treasury.NewBook(), addr(9))
	_, err := s.Execute(context.Background(), &capability.Call{
		Initiator: addr(1),
		Params: mustBody(t, SwapSubQuote, SwapParams{
			PayAsset: "USD", ReceiveAsset: "JPY", Amount: big.NewInt(1),
		}),
	})
	require.ErrorIs(t, err, ErrUnknownPool)
}

func TestSwapAdapterJournalRollback(t *testing.T) {
	book := treasury.NewBook()
	alice, venue := addr(1), addr(9)
	ctx := context.Background()
	require.NoError(t, book.Mint(ctx, "USD", alice, big.NewInt(500)))
	require.NoError(t, book.Mint(ctx, "EUR", venue, big.NewInt(900)))

	s := NewSwapAdapter(8, book, venue)
	s.AddPool("USD", "EUR", big.NewInt(1000), big.NewInt(900))

	j := state.NewJournal()
	jctx := state.WithJournal(ctx, j)

	_, err := s.Execute(jctx, &capability.Call{
		Initiator: alice,
		Params: mustBody(t, SwapSubSwap, SwapParams{
			PayAsset: "USD", ReceiveAsset: "EUR", Amount: big.NewInt(100),
		}),
	})
	require.NoError(t, err)

	j.Revert(0)

	// Balances and reserves restored to the pre-swap venue.
	assert.Equal(t, big.NewInt(500), book.BalanceOf("USD", alice))
	assert.Equal(t, big.NewInt(0), book.BalanceOf("EUR", alice))
	assert.Equal(t, big.NewInt(900), book.BalanceOf("EUR", venue))

	out, err := s.quote("USD", "EUR", big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(81), out)
}

func TestNewWasmAdapterRejectsGarbage(t *testing.T) {
	_, err := NewWasmAdapter(context.Background(), 12, "hosted", []byte("not wasm"), WasmConfig{})
	require.Error(t, err)
}
