// Package escrow keeps custody of the collateral posted with contributions.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drand/tally/common"
)

// ErrInsufficientFunds is returned when an account cannot cover a hold.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Escrow moves stake in and out of custody. Release may call arbitrary code
// on the receiving side, and must propagate ctx to it.
type Escrow interface {
	Hold(ctx context.Context, from common.Identity, amount uint64) error
	Release(ctx context.Context, to common.Identity, amount uint64) error
}

// ReceiveHook is invoked on every release, after the book was credited. It
// models the receiving side of a transfer.
type ReceiveHook func(ctx context.Context, to common.Identity, amount uint64) error

// Book is an in-memory Escrow with per-identity balances.
type Book struct {
	sync.Mutex
	balances map[common.Identity]uint64
	held     uint64
	released uint64
	hook     ReceiveHook
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{balances: make(map[common.Identity]uint64)}
}

// OnReceive installs h as the receive hook.
func (b *Book) OnReceive(h ReceiveHook) {
	b.Lock()
	defer b.Unlock()
	b.hook = h
}

// Deposit credits id with amount outside of custody.
func (b *Book) Deposit(id common.Identity, amount uint64) {
	b.Lock()
	defer b.Unlock()
	b.balances[id] += amount
}

// Balance returns the free balance of id.
func (b *Book) Balance(id common.Identity) uint64 {
	b.Lock()
	defer b.Unlock()
	return b.balances[id]
}

// Held returns the amount currently in custody.
func (b *Book) Held() uint64 {
	b.Lock()
	defer b.Unlock()
	return b.held
}

// Released returns the total amount ever released.
func (b *Book) Released() uint64 {
	b.Lock()
	defer b.Unlock()
	return b.released
}

// Hold moves amount from the free balance of from into custody.
func (b *Book) Hold(ctx context.Context, from common.Identity, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	if b.balances[from] < amount {
		return fmt.Errorf("hold %d from %q: %w", amount, from, ErrInsufficientFunds)
	}
	b.balances[from] -= amount
	b.held += amount
	return nil
}

// Release moves amount out of custody to to, then runs the receive hook. A
// hook error undoes the transfer.
func (b *Book) Release(ctx context.Context, to common.Identity, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Lock()
	if b.held < amount {
		b.Unlock()
		return fmt.Errorf("release %d to %q: %w", amount, to, ErrInsufficientFunds)
	}
	b.held -= amount
	b.released += amount
	b.balances[to] += amount
	hook := b.hook
	b.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, to, amount); err != nil {
		b.Lock()
		b.balances[to] -= amount
		b.released -= amount
		b.held += amount
		b.Unlock()
		return err
	}
	return nil
}
