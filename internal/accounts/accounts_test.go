package accounts

import (
	"errors"
	"math"
	"testing"

	"BlindMatch/internal/guard"
	"BlindMatch/internal/storage"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db)
}

func TestCreditDebit(t *testing.T) {
	b := newTestBook(t)
	alice := guard.Principal{1}

	if err := b.Credit(alice, 1500); err != nil {
		t.Fatal(err)
	}

	if err := b.Debit(alice, 1000); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Balance(alice)
	if got != 500 {
		t.Errorf("balance = %d, want 500", got)
	}
}

func TestDebitInsufficient(t *testing.T) {
	b := newTestBook(t)
	alice := guard.Principal{1}

	b.Credit(alice, 10)

	if err := b.Debit(alice, 11); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}

	got, _ := b.Balance(alice)
	if got != 10 {
		t.Errorf("failed debit changed balance to %d", got)
	}
}

func TestCreditOverflow(t *testing.T) {
	b := newTestBook(t)
	alice := guard.Principal{1}

	b.Credit(alice, math.MaxUint64)

	if err := b.Credit(alice, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
}

func TestCreditZeroIsNoop(t *testing.T) {
	b := newTestBook(t)

	if err := b.Credit(guard.Principal{1}, 0); err != nil {
		t.Fatal(err)
	}

	n := 0
	b.Each(func(guard.Principal, uint64) error { n++; return nil })

	if n != 0 {
		t.Errorf("zero credit created %d entries", n)
	}
}

func TestCreditWithCommitsStagedWrites(t *testing.T) {
	b := newTestBook(t)
	alice := guard.Principal{1}

	var result error = errors.New("not called")

	err := b.CreditWith(alice, 700, func(batch *storage.Batch) func(error) {
		batch.Set([]byte("p:1"), []byte{1})
		return func(err error) { result = err }
	})
	if err != nil || result != nil {
		t.Fatalf("credit: %v, done: %v", err, result)
	}

	if ok, _ := b.db.Has([]byte("p:1")); !ok {
		t.Error("staged write missing")
	}

	// A failing stage takes the credit down with it
	err = b.CreditWith(alice, 300, func(batch *storage.Batch) func(error) {
		batch.Fail(errors.New("bad marker"))
		return func(err error) { result = err }
	})
	if err == nil || result == nil {
		t.Fatalf("credit: %v, done: %v", err, result)
	}

	if got, _ := b.Balance(alice); got != 700 {
		t.Errorf("balance = %d, want 700", got)
	}
}

func TestEach(t *testing.T) {
	b := newTestBook(t)

	b.Credit(guard.Principal{1}, 5)
	b.Credit(guard.Principal{2}, 7)

	sum := uint64(0)
	err := b.Each(func(_ guard.Principal, bal uint64) error {
		sum += bal
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if sum != 12 {
		t.Errorf("sum = %d, want 12", sum)
	}
}
