// Package accounts holds principal balances in the single fee denomination.
package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"BlindMatch/internal/guard"
	"BlindMatch/internal/storage"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverflow is returned when a credit would wrap the balance.
	ErrOverflow = errors.New("balance overflow")
)

// prefixBalance: b:<principal> -> balance BE.
var prefixBalance = []byte("b:")

// Book is a Pebble-backed balance table. Each Debit and Credit is a durable,
// all-or-nothing balance change.
type Book struct {
	db *storage.Storage
	mu sync.Mutex
}

// New creates a book over db.
func New(db *storage.Storage) *Book {
	return &Book{db: db}
}

// Balance returns the balance of p.
func (b *Book) Balance(p guard.Principal) (uint64, error) {
	return b.db.Uint64(balanceKey(p))
}

// Debit removes amount from p.
func (b *Book) Debit(p guard.Principal, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	balance, err := b.Balance(p)
	if err != nil {
		return fmt.Errorf("read balance:\n%w", err)
	}

	if balance < amount {
		return fmt.Errorf("%w: balance=%d, need %d", ErrInsufficientFunds, balance, amount)
	}

	return b.write(p, balance-amount)
}

// Credit adds amount to p.
func (b *Book) Credit(p guard.Principal, amount uint64) error {
	return b.CreditWith(p, amount, nil)
}

// CreditWith adds amount to p. stage, when set, adds writes to the same batch
// and returns a callback told the commit result.
func (b *Book) CreditWith(p guard.Principal, amount uint64, stage func(*storage.Batch) func(error)) error {
	if amount == 0 && stage == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	balance, err := b.Balance(p)
	if err != nil {
		return fmt.Errorf("read balance:\n%w", err)
	}

	// Overflow check: balance + amount must not wrap
	next := balance + amount
	if next < balance {
		return fmt.Errorf("%w: balance=%d + amount=%d wraps", ErrOverflow, balance, amount)
	}

	batch := b.db.NewBatch()
	batch.PutUint64(balanceKey(p), next)

	done := func(error) {}
	if stage != nil {
		done = stage(batch)
	}

	err = batch.Commit()
	done(err)

	if err != nil {
		return fmt.Errorf("write balance:\n%w", err)
	}

	return nil
}

// Each calls fn for every principal with a stored balance.
func (b *Book) Each(fn func(p guard.Principal, balance uint64) error) error {
	return b.db.IteratePrefix(prefixBalance, func(key, value []byte) error {
		var p guard.Principal
		copy(p[:], key[len(prefixBalance):])

		if len(value) != 8 {
			return fmt.Errorf("corrupt balance for %s", p)
		}

		return fn(p, binary.BigEndian.Uint64(value))
	})
}

func (b *Book) write(p guard.Principal, balance uint64) error {
	batch := b.db.NewBatch()
	batch.PutUint64(balanceKey(p), balance)

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("write balance:\n%w", err)
	}

	return nil
}

func balanceKey(p guard.Principal) []byte {
	key := make([]byte, len(prefixBalance)+guard.PrincipalSize)
	copy(key, prefixBalance)
	copy(key[len(prefixBalance):], p[:])
	return key
}
