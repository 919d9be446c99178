package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
)

// Swap adapter sub-operations.
const (
	SwapSubSwap uint32 = iota + 1
	SwapSubQuote
)

var (
	ErrUnknownPool  = errors.New("no pool for pair")
	ErrExcessiveSlp = errors.New("output below minimum")
)

// SwapParams is the body of SwapSubSwap and SwapSubQuote. Payer defaults to
// the initiator; Recipient defaults to the payer.
type SwapParams struct {
	PayAsset     string            `json:"pay_asset"`
	ReceiveAsset string            `json:"receive_asset"`
	Amount       *big.Int          `json:"amount"`
	MinOut       *big.Int          `json:"min_out,omitempty"`
	Payer        contracts.Address `json:"payer,omitempty"`
	Recipient    contracts.Address `json:"recipient,omitempty"`
}

// SwapResult is the JSON output of a completed swap.
type SwapResult struct {
	AmountIn  *big.Int `json:"amount_in"`
	AmountOut *big.Int `json:"amount_out"`
}

type pool struct {
	reserveIn  *big.Int // pay asset
	reserveOut *big.Int // receive asset
}

// SwapAdapter trades against internal constant-product pools and settles on
// the treasury book. Pool reserve updates are journaled like every other
// mutation, so a failed batch restores the venue too.
type SwapAdapter struct {
	id   uint16
	book *treasury.Book
	mu   sync.Mutex
	// pools keyed by "PAY/RECEIVE"
	pools map[string]*pool
	// venue is the book account holding pool inventory.
	venue contracts.Address
}

// NewSwapAdapter creates the adapter; venue is the account its inventory
// settles through.
func NewSwapAdapter(id uint16, book *treasury.Book, venue contracts.Address) *SwapAdapter {
	return &SwapAdapter{id: id, book: book, pools: make(map[string]*pool), venue: venue}
}

// AddPool seeds reserves for a pair. The venue account must separately be
// funded with the receive-asset inventory it will pay out.
func (s *SwapAdapter) AddPool(payAsset, receiveAsset string, reserveIn, reserveOut *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[payAsset+"/"+receiveAsset] = &pool{
		reserveIn:  new(big.Int).Set(reserveIn),
		reserveOut: new(big.Int).Set(reserveOut),
	}
}

func (s *SwapAdapter) ID() uint16   { return s.id }
func (s *SwapAdapter) Name() string { return "swap" }

func (s *SwapAdapter) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	sel, body, err := call.Selector()
	if err != nil {
		return nil, err
	}
	var p SwapParams
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("swap body: %w", err)
	}
	if p.Payer.IsZero() {
		p.Payer = call.Initiator
	}
	if p.Recipient.IsZero() {
		p.Recipient = p.Payer
	}

	switch sel {
	case SwapSubQuote:
		out, err := s.quote(p.PayAsset, p.ReceiveAsset, p.Amount)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(&SwapResult{AmountIn: p.Amount, AmountOut: out})
		if err != nil {
			return nil, err
		}
		return capability.Completed(raw), nil

	case SwapSubSwap:
		out, err := s.swap(ctx, &p)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(&SwapResult{AmountIn: p.Amount, AmountOut: out})
		if err != nil {
			return nil, err
		}
		return capability.Completed(raw), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubOp, sel)
	}
}

// quote applies x*y=k: out = reserveOut * in / (reserveIn + in).
func (s *SwapAdapter) quote(payAsset, receiveAsset string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, treasury.ErrZeroAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.pools[payAsset+"/"+receiveAsset]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPool, payAsset, receiveAsset)
	}
	num := new(big.Int).Mul(pl.reserveOut, amount)
	den := new(big.Int).Add(pl.reserveIn, amount)
	return num.Div(num, den), nil
}

func (s *SwapAdapter) swap(ctx context.Context, p *SwapParams) (*big.Int, error) {
	out, err := s.quote(p.PayAsset, p.ReceiveAsset, p.Amount)
	if err != nil {
		return nil, err
	}
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: swap output is zero", treasury.ErrZeroAmount)
	}
	if p.MinOut != nil && out.Cmp(p.MinOut) < 0 {
		return nil, fmt.Errorf("%w: out %s < min %s", ErrExcessiveSlp, out, p.MinOut)
	}

	// Settle both legs; the journal unwinds them if a later step fails.
	if err := s.book.Transfer(ctx, p.PayAsset, p.Payer, s.venue, p.Amount); err != nil {
		return nil, err
	}
	if err := s.book.Transfer(ctx, p.ReceiveAsset, s.venue, p.Recipient, out); err != nil {
		return nil, err
	}

	key := p.PayAsset + "/" + p.ReceiveAsset
	s.mu.Lock()
	pl := s.pools[key]
	prevIn := new(big.Int).Set(pl.reserveIn)
	prevOut := new(big.Int).Set(pl.reserveOut)
	pl.reserveIn.Add(pl.reserveIn, p.Amount)
	pl.reserveOut.Sub(pl.reserveOut, out)
	s.mu.Unlock()

	state.Track(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		pl.reserveIn.Set(prevIn)
		pl.reserveOut.Set(prevOut)
	})
	return out, nil
}

// EstimateFee quotes proportionally to the swap size; advisory only.
func (s *SwapAdapter) EstimateFee(_ context.Context, req *capability.FeeRequest) (*capability.FeeQuote, error) {
	fee := big.NewInt(3)
	if req.GasBudget != nil && req.GasBudget.Sign() > 0 && req.GasBudget.Cmp(fee) < 0 {
		return nil, fmt.Errorf("gas budget %s below floor %s", req.GasBudget, fee)
	}
	return &capability.FeeQuote{Fee: fee, GasLimit: big.NewInt(90000)}, nil
}
