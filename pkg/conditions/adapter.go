package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// Sub-operation selectors of the conditions adapter.
const (
	SubQuery uint32 = iota + 1
	SubBalance
	SubAllowance
	SubPriceFeed
	SubHealthRatio
	SubGasPrice
	SubTimeWindow
)

var (
	ErrUnknownSubOp  = errors.New("unknown condition sub-operation")
	ErrUnknownPair   = errors.New("no price for pair")
	ErrUnknownHealth = errors.New("no health ratio for account")
	ErrWindowPassed  = errors.New("time window has passed")
)

// BalanceSource reads asset balances; satisfied by *treasury.Book.
type BalanceSource interface {
	BalanceOf(asset string, addr contracts.Address) *big.Int
}

// AllowanceSource reads allowances; satisfied by *treasury.Book.
type AllowanceSource interface {
	Allowance(asset string, owner, spender contracts.Address) *big.Int
}

// Oracle is an externally fed numeric source: prices, gas price, health
// ratios. It implements Readable for generic queries; data is a JSON
// {"kind","pair","account"} descriptor.
type Oracle struct {
	mu       sync.RWMutex
	prices   map[string]*big.Int
	gasPrice *big.Int
	health   map[contracts.Address]*big.Int
}

// NewOracle creates an empty oracle.
func NewOracle() *Oracle {
	return &Oracle{
		prices: make(map[string]*big.Int),
		health: make(map[contracts.Address]*big.Int),
	}
}

// SetPrice publishes a price for a pair such as "ETH/USD".
func (o *Oracle) SetPrice(pair string, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[pair] = new(big.Int).Set(price)
}

// Price returns the published price for a pair.
func (o *Oracle) Price(pair string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return new(big.Int).Set(p), nil
}

// SetGasPrice publishes the current gas price.
func (o *Oracle) SetGasPrice(price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gasPrice = new(big.Int).Set(price)
}

// GasPrice returns the published gas price.
func (o *Oracle) GasPrice() (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.gasPrice == nil {
		return nil, errors.New("gas price not published")
	}
	return new(big.Int).Set(o.gasPrice), nil
}

// SetHealth publishes an account's health ratio in basis points.
func (o *Oracle) SetHealth(account contracts.Address, ratio *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health[account] = new(big.Int).Set(ratio)
}

// Health returns an account's published health ratio.
func (o *Oracle) Health(account contracts.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.health[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHealth, account)
	}
	return new(big.Int).Set(h), nil
}

type oracleQuery struct {
	Kind    string            `json:"kind"` // price | gas | health
	Pair    string            `json:"pair,omitempty"`
	Account contracts.Address `json:"account,omitempty"`
}

// Read implements Readable.
func (o *Oracle) Read(_ context.Context, data []byte) (*big.Int, error) {
	var q oracleQuery
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("oracle query: %w", err)
	}
	switch q.Kind {
	case "price":
		return o.Price(q.Pair)
	case "gas":
		return o.GasPrice()
	case "health":
		return o.Health(q.Account)
	default:
		return nil, fmt.Errorf("oracle query: unknown kind %q", q.Kind)
	}
}

// Adapter exposes the evaluators as a registry handler. The generic query
// sub-op carries a full Query; the specialized sub-ops are thin wrappers
// over the same compare-and-pause primitive.
type Adapter struct {
	id         uint16
	evaluator  *Evaluator
	balances   BalanceSource
	allowances AllowanceSource
	oracle     *Oracle
	clock      func() time.Time
}

// NewAdapter wires the conditions handler.
func NewAdapter(id uint16, evaluator *Evaluator, balances BalanceSource, allowances AllowanceSource, oracle *Oracle) *Adapter {
	return &Adapter{
		id:         id,
		evaluator:  evaluator,
		balances:   balances,
		allowances: allowances,
		oracle:     oracle,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (a *Adapter) WithClock(clock func() time.Time) *Adapter {
	a.clock = clock
	return a
}

func (a *Adapter) ID() uint16   { return a.id }
func (a *Adapter) Name() string { return "conditions" }

// EstimateFee: condition checks are reads; the quote is zero.
func (a *Adapter) EstimateFee(context.Context, *capability.FeeRequest) (*capability.FeeQuote, error) {
	return &capability.FeeQuote{Fee: new(big.Int)}, nil
}

type balanceBody struct {
	Asset     string            `json:"asset"`
	Address   contracts.Address `json:"address"`
	Op        Op                `json:"op"`
	Threshold *big.Int          `json:"threshold"`
}

type allowanceBody struct {
	Asset     string            `json:"asset"`
	Owner     contracts.Address `json:"owner"`
	Spender   contracts.Address `json:"spender"`
	Op        Op                `json:"op"`
	Threshold *big.Int          `json:"threshold"`
}

type priceBody struct {
	Pair      string   `json:"pair"`
	Op        Op       `json:"op"`
	Threshold *big.Int `json:"threshold"`
}

type healthBody struct {
	Account   contracts.Address `json:"account"`
	Op        Op                `json:"op"`
	Threshold *big.Int          `json:"threshold"`
}

type gasBody struct {
	Op        Op       `json:"op"`
	Threshold *big.Int `json:"threshold"`
}

type windowBody struct {
	NotBefore int64 `json:"not_before,omitempty"` // unix seconds
	NotAfter  int64 `json:"not_after,omitempty"`
}

// Execute dispatches a sub-operation. Unmet conditions pause; malformed
// bodies and failed reads are fatal.
func (a *Adapter) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	sel, body, err := call.Selector()
	if err != nil {
		return nil, err
	}
	switch sel {
	case SubQuery:
		var q Query
		if err := json.Unmarshal(body, &q); err != nil {
			return nil, fmt.Errorf("query body: %w", err)
		}
		return a.evaluator.Check(ctx, &q)

	case SubBalance:
		var b balanceBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("balance body: %w", err)
		}
		return a.compare(a.balances.BalanceOf(b.Asset, b.Address), b.Threshold, b.Op)

	case SubAllowance:
		var b allowanceBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("allowance body: %w", err)
		}
		return a.compare(a.allowances.Allowance(b.Asset, b.Owner, b.Spender), b.Threshold, b.Op)

	case SubPriceFeed:
		var b priceBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("price body: %w", err)
		}
		price, err := a.oracle.Price(b.Pair)
		if err != nil {
			return nil, err
		}
		return a.compare(price, b.Threshold, b.Op)

	case SubHealthRatio:
		var b healthBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("health body: %w", err)
		}
		ratio, err := a.oracle.Health(b.Account)
		if err != nil {
			return nil, err
		}
		return a.compare(ratio, b.Threshold, b.Op)

	case SubGasPrice:
		var b gasBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("gas body: %w", err)
		}
		price, err := a.oracle.GasPrice()
		if err != nil {
			return nil, err
		}
		return a.compare(price, b.Threshold, b.Op)

	case SubTimeWindow:
		var b windowBody
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, fmt.Errorf("window body: %w", err)
		}
		now := a.clock().Unix()
		if b.NotAfter > 0 && now > b.NotAfter {
			// Retrying can never bring the window back.
			return nil, ErrWindowPassed
		}
		if now < b.NotBefore {
			return capability.Paused(fmt.Sprintf("window opens at %d, now %d", b.NotBefore, now)), nil
		}
		return capability.Completed(nil), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubOp, sel)
	}
}

func (a *Adapter) compare(value, threshold *big.Int, op Op) (*capability.Result, error) {
	met, err := Compare(value, threshold, op)
	if err != nil {
		return nil, err
	}
	if !met {
		return capability.Paused(fmt.Sprintf("condition unmet: value=%s threshold=%s", value, threshold)), nil
	}
	return capability.Completed(nil), nil
}
