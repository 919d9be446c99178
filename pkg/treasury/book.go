// Package treasury keeps the asset balances and allowances handlers act on.
// Amounts are big integers in minor units; floating point never touches
// money. All mutations register undo entries on the execution journal, so a
// failed instruction rolls every movement back.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/state"
)

var (
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type allowanceKey struct {
	owner   contracts.Address
	spender contracts.Address
}

// Book is a thread-safe multi-asset balance ledger with allowances.
type Book struct {
	mu         sync.RWMutex
	balances   map[string]map[contracts.Address]*big.Int
	allowances map[string]map[allowanceKey]*big.Int
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		balances:   make(map[string]map[contracts.Address]*big.Int),
		allowances: make(map[string]map[allowanceKey]*big.Int),
	}
}

// BalanceOf returns a copy of the balance; zero when unset.
func (b *Book) BalanceOf(asset string, addr contracts.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.balances[asset]; ok {
		if v, ok := m[addr]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

// Allowance returns a copy of what spender may move from owner; zero when
// unset.
func (b *Book) Allowance(asset string, owner, spender contracts.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.allowances[asset]; ok {
		if v, ok := m[allowanceKey{owner, spender}]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

// Mint credits an account. Used by tests and by deposit boundaries.
func (b *Book) Mint(ctx context.Context, asset string, to contracts.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adjust(ctx, asset, to, amount)
	return nil
}

// Transfer moves amount from one account to another.
func (b *Book) Transfer(ctx context.Context, asset string, from, to contracts.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balance(asset, from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, b.balance(asset, from), asset, amount)
	}
	b.adjust(ctx, asset, from, new(big.Int).Neg(amount))
	b.adjust(ctx, asset, to, amount)
	return nil
}

// Approve sets (not adds to) spender's allowance over owner's funds.
func (b *Book) Approve(ctx context.Context, asset string, owner, spender contracts.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAllowance(ctx, asset, allowanceKey{owner, spender}, new(big.Int).Set(amount))
	return nil
}

// TransferFrom moves owner's funds by a spender, consuming allowance.
func (b *Book) TransferFrom(ctx context.Context, asset string, spender, from, to contracts.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := allowanceKey{from, spender}
	allowed := b.allowance(asset, key)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allowed %s %s, needs %s",
			ErrInsufficientAllowance, spender, allowed, asset, amount)
	}
	if b.balance(asset, from).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, b.balance(asset, from), asset, amount)
	}
	b.setAllowance(ctx, asset, key, new(big.Int).Sub(allowed, amount))
	b.adjust(ctx, asset, from, new(big.Int).Neg(amount))
	b.adjust(ctx, asset, to, amount)
	return nil
}

// balance returns the live balance value (callers hold the lock).
func (b *Book) balance(asset string, addr contracts.Address) *big.Int {
	if m, ok := b.balances[asset]; ok {
		if v, ok := m[addr]; ok {
			return v
		}
	}
	return new(big.Int)
}

func (b *Book) allowance(asset string, key allowanceKey) *big.Int {
	if m, ok := b.allowances[asset]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return new(big.Int)
}

// adjust applies a delta and journals the inverse. Callers hold the lock.
func (b *Book) adjust(ctx context.Context, asset string, addr contracts.Address, delta *big.Int) {
	m, ok := b.balances[asset]
	if !ok {
		m = make(map[contracts.Address]*big.Int)
		b.balances[asset] = m
	}
	cur, ok := m[addr]
	if !ok {
		cur = new(big.Int)
	}
	m[addr] = new(big.Int).Add(cur, delta)

	inverse := new(big.Int).Neg(delta)
	state.Track(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.balances[asset][addr] = new(big.Int).Add(b.balances[asset][addr], inverse)
	})
}

// setAllowance replaces an allowance and journals the previous value.
// Callers hold the lock.
func (b *Book) setAllowance(ctx context.Context, asset string, key allowanceKey, next *big.Int) {
	m, ok := b.allowances[asset]
	if !ok {
		m = make(map[allowanceKey]*big.Int)
		b.allowances[asset] = m
	}
	prev, had := m[key]
	m[key] = next

	state.Track(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if had {
			b.allowances[asset][key] = prev
		} else {
			delete(b.allowances[asset], key)
		}
	})
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return nil
}
