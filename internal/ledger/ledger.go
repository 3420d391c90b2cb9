// Package ledger is the settlement ledger: the fee totals, the pause flag and
// the owner-gated withdrawal. It is the only writer of the totals and commits
// every change in the same batch as the request write and the events that
// describe it.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/storage"
)

// ErrNothingToWithdraw is returned by Withdraw when no fees are retained.
var ErrNothingToWithdraw = errors.New("nothing to withdraw")

// Storage keys.
var (
	keyTotals    = []byte("l:totals")
	keyPaused    = []byte("l:paused")
	keyPayoutSeq = []byte("m:payout-seq")
	prefixPayout = []byte("p:") // p:<id BE> -> payout
)

// Funds moves the fee denomination between principals.
type Funds interface {
	Debit(p guard.Principal, amount uint64) error

	// CreditWith adds amount to p. Writes added by stage commit in the same
	// batch as the credit; stage returns a callback told the commit result.
	CreditWith(p guard.Principal, amount uint64, stage func(*storage.Batch) func(error)) error
}

// Totals is the fee accounting.
// Collected always equals Pending + Retained + Withdrawn + Refunded.
type Totals struct {
	Collected uint64 `json:"collected"` // Collected is every fee paid at creation
	Pending   uint64 `json:"pending"`   // Pending is held for Active requests
	Retained  uint64 `json:"retained"`  // Retained is earned and not yet withdrawn
	Withdrawn uint64 `json:"withdrawn"` // Withdrawn is paid out to the owner
	Refunded  uint64 `json:"refunded"`  // Refunded is returned to requesters
}

// Balanced reports whether the conservation invariant holds.
func (t Totals) Balanced() bool {
	sum := t.Pending + t.Retained
	if sum < t.Pending {
		return false
	}

	next := sum + t.Withdrawn
	if next < sum {
		return false
	}

	final := next + t.Refunded
	if final < next {
		return false
	}

	return final == t.Collected
}

// Payout is a transfer owed by a committed totals change. Its marker is
// written with that change; the credit, the marker removal and Events then
// commit together in Pay. A marker still present when the ledger opens is paid then.
type Payout struct {
	ID     uint64          // ID is assigned when the marker is staged
	To     guard.Principal // To receives the credit
	Amount uint64          // Amount is the fee paid back or out
	Events []events.Event  // Events describe the transition the payout settles
}

// Ledger owns the totals and the pause flag.
type Ledger struct {
	db     *storage.Storage
	funds  Funds
	owner  guard.Principal
	events events.Emitter
	now    func() time.Time
	log    *slog.Logger

	mu        sync.Mutex
	totals    Totals
	paused    bool
	payoutSeq uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New opens the ledger and pays any payout an interrupted settlement left
// behind. owner is the only principal allowed to withdraw and pause.
func New(db *storage.Storage, funds Funds, owner guard.Principal, emitter events.Emitter, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		funds:  funds,
		owner:  owner,
		events: emitter,
		now:    time.Now,
		log:    logger.With("component", "ledger"),
	}

	for _, opt := range opts {
		opt(l)
	}

	data, err := db.Get(keyTotals)
	if err != nil {
		return nil, fmt.Errorf("load totals:\n%w", err)
	}

	if data != nil {
		if l.totals, err = DecodeTotals(data); err != nil {
			return nil, err
		}
	}

	paused, err := db.Get(keyPaused)
	if err != nil {
		return nil, fmt.Errorf("load pause flag:\n%w", err)
	}

	l.paused = len(paused) == 1 && paused[0] == 1

	if !l.totals.Balanced() {
		return nil, fmt.Errorf("stored totals violate conservation: %+v", l.totals)
	}

	if l.payoutSeq, err = db.Uint64(keyPayoutSeq); err != nil {
		return nil, fmt.Errorf("load payout sequence:\n%w", err)
	}

	if _, err := l.Resume(); err != nil {
		return nil, err
	}

	return l, nil
}

// Owner returns the owning principal.
func (l *Ledger) Owner() guard.Principal {
	return l.owner
}

// Totals returns a copy of the current totals.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.totals
}

// Paused reports the pause flag.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.paused
}

// SetPaused sets the pause flag. Owner only. Setting the current value is a no-op.
func (l *Ledger) SetPaused(caller guard.Principal, paused bool) error {
	if err := guard.RequireOwner(l.owner, caller); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused == paused {
		return nil
	}

	var flag byte
	if paused {
		flag = 1
	}

	batch := l.db.NewBatch()
	batch.Set(keyPaused, []byte{flag})

	ev := events.Event{Kind: events.PauseToggled, At: l.now().UTC(), Principal: caller, Paused: paused}

	if err := events.Commit(l.events, batch, ev); err != nil {
		return fmt.Errorf("store pause flag:\n%w", err)
	}

	l.paused = paused

	return nil
}

// Collect takes a fee from a requester. Call CommitCollect once the request is
// staged, or Return if it never is.
func (l *Ledger) Collect(from guard.Principal, amount uint64) error {
	if err := l.funds.Debit(from, amount); err != nil {
		return fmt.Errorf("%w: collect fee from %s: %v", guard.ErrTransferFailure, from, err)
	}

	return nil
}

// Return gives back a collected fee whose request was never committed.
func (l *Ledger) Return(to guard.Principal, amount uint64) error {
	if err := l.funds.CreditWith(to, amount, nil); err != nil {
		l.log.Error("return uncommitted fee", "to", to, "amount", amount, "error", err)
		return fmt.Errorf("%w: return %d to %s: %v", guard.ErrTransferFailure, amount, to, err)
	}

	return nil
}

// CommitCollect records a collected fee as pending and commits batch with evs,
// staged through the ledger's emitter.
func (l *Ledger) CommitCollect(batch *storage.Batch, amount uint64, evs ...events.Event) error {
	return l.apply(batch, nil, func(t *Totals) error {
		if t.Collected+amount < t.Collected {
			return fmt.Errorf("collected total overflows")
		}

		t.Collected += amount
		t.Pending += amount

		return nil
	}, evs...)
}

// Retain moves a pending fee to retained and commits batch with evs. There is
// no interaction, so nothing can fail after the commit.
func (l *Ledger) Retain(batch *storage.Batch, amount uint64, evs ...events.Event) error {
	return l.apply(batch, nil, func(t *Totals) error {
		if t.Pending < amount {
			return fmt.Errorf("retain %d exceeds pending %d", amount, t.Pending)
		}

		t.Pending -= amount
		t.Retained += amount

		return nil
	}, evs...)
}

// CommitRefund moves a pending fee to refunded and commits batch with the
// marker for p, assigning p.ID. It is the effects half of a refund; Pay is
// the interaction.
func (l *Ledger) CommitRefund(batch *storage.Batch, p *Payout) error {
	return l.apply(batch, p, func(t *Totals) error {
		if t.Pending < p.Amount {
			return fmt.Errorf("refund %d exceeds pending %d", p.Amount, t.Pending)
		}

		t.Pending -= p.Amount
		t.Refunded += p.Amount

		return nil
	})
}

// RevertRefund undoes CommitRefund after a failed Pay and commits batch.
func (l *Ledger) RevertRefund(batch *storage.Batch, p Payout) error {
	batch.Delete(payoutKey(p.ID))

	return l.apply(batch, nil, func(t *Totals) error {
		if t.Refunded < p.Amount {
			return fmt.Errorf("revert %d exceeds refunded %d", p.Amount, t.Refunded)
		}

		t.Refunded -= p.Amount
		t.Pending += p.Amount

		return nil
	})
}

// Pay credits p.To, clearing the marker and committing p.Events in the same
// batch. Must be called outside any caller lock: the recipient may call back in.
func (l *Ledger) Pay(p Payout) error {
	err := l.funds.CreditWith(p.To, p.Amount, func(b *storage.Batch) func(error) {
		b.Delete(payoutKey(p.ID))
		return l.events.Stage(b, p.Events...)
	})
	if err != nil {
		return fmt.Errorf("%w: pay %d to %s: %v", guard.ErrTransferFailure, p.Amount, p.To, err)
	}

	return nil
}

// Withdraw pays all retained fees to `to`. Owner only.
// Retained is zeroed before the transfer and restored if it fails.
func (l *Ledger) Withdraw(caller, to guard.Principal) (uint64, error) {
	if err := guard.RequireOwner(l.owner, caller); err != nil {
		return 0, err
	}

	p := Payout{To: to}

	err := l.apply(l.db.NewBatch(), &p, func(t *Totals) error {
		if t.Retained == 0 {
			return ErrNothingToWithdraw
		}

		p.Amount = t.Retained
		p.Events = []events.Event{{Kind: events.FeesWithdrawn, At: l.now().UTC(), Principal: to, Amount: t.Retained}}

		t.Withdrawn += t.Retained
		t.Retained = 0

		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.Pay(p); err != nil {
		batch := l.db.NewBatch()
		batch.Delete(payoutKey(p.ID))

		restore := l.apply(batch, nil, func(t *Totals) error {
			t.Withdrawn -= p.Amount
			t.Retained += p.Amount
			return nil
		})
		if restore != nil {
			l.log.Error("restore retained fees", "amount", p.Amount, "error", restore)
		}

		return 0, err
	}

	return p.Amount, nil
}

// Resume pays every payout whose marker is still stored and returns how many
// were paid. Failures are logged and left for the next call.
func (l *Ledger) Resume() (int, error) {
	var pending []Payout

	err := l.db.IteratePrefix(prefixPayout, func(_, value []byte) error {
		p, err := decodePayout(value)
		if err != nil {
			return err
		}

		pending = append(pending, p)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan payouts:\n%w", err)
	}

	paid := 0

	for _, p := range pending {
		if err := l.Pay(p); err != nil {
			l.log.Error("resume payout", "payout", p.ID, "to", p.To, "amount", p.Amount, "error", err)
			continue
		}

		l.log.Warn("interrupted payout completed", "payout", p.ID, "to", p.To, "amount", p.Amount)
		paid++
	}

	return paid, nil
}

// apply runs fn on a copy of the totals and stages the result in batch, with
// the marker for p when set and then evs, and commits. Memory is updated only
// after the commit succeeds, and only under mu, so the stored totals always
// match the in-memory ones.
func (l *Ledger) apply(batch *storage.Batch, p *Payout, fn func(t *Totals) error, evs ...events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.totals
	if err := fn(&next); err != nil {
		batch.Close()
		return err
	}

	if !next.Balanced() {
		batch.Close()
		return fmt.Errorf("totals would violate conservation: %+v", next)
	}

	batch.Set(keyTotals, encodeTotals(next))

	seq := l.payoutSeq
	if p != nil {
		seq++
		p.ID = seq

		data, err := encodePayout(*p)
		if err != nil {
			batch.Close()
			return err
		}

		batch.Set(payoutKey(seq), data)
		batch.PutUint64(keyPayoutSeq, seq)
	}

	if err := events.Commit(l.events, batch, evs...); err != nil {
		return fmt.Errorf("commit totals:\n%w", err)
	}

	l.totals = next
	l.payoutSeq = seq

	return nil
}

// encodePayout writes id (8B) + to (32B) + amount (8B) + the encoded events.
func encodePayout(p Payout) ([]byte, error) {
	evs, err := events.EncodeList(p.Events)
	if err != nil {
		return nil, fmt.Errorf("encode payout events:\n%w", err)
	}

	buf := make([]byte, 48, 48+len(evs))
	binary.BigEndian.PutUint64(buf[0:8], p.ID)
	copy(buf[8:40], p.To[:])
	binary.BigEndian.PutUint64(buf[40:48], p.Amount)

	return append(buf, evs...), nil
}

func decodePayout(b []byte) (Payout, error) {
	if len(b) < 48 {
		return Payout{}, fmt.Errorf("payout must be at least 48 bytes, got %d", len(b))
	}

	p := Payout{
		ID:     binary.BigEndian.Uint64(b[0:8]),
		Amount: binary.BigEndian.Uint64(b[40:48]),
	}
	copy(p.To[:], b[8:40])

	var err error
	if p.Events, err = events.DecodeList(b[48:]); err != nil {
		return Payout{}, err
	}

	return p, nil
}

func payoutKey(id uint64) []byte {
	key := make([]byte, len(prefixPayout)+8)
	copy(key, prefixPayout)
	binary.BigEndian.PutUint64(key[len(prefixPayout):], id)
	return key
}

// encodeTotals writes the five counters big-endian.
func encodeTotals(t Totals) []byte {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[0:8], t.Collected)
	binary.BigEndian.PutUint64(buf[8:16], t.Pending)
	binary.BigEndian.PutUint64(buf[16:24], t.Retained)
	binary.BigEndian.PutUint64(buf[24:32], t.Withdrawn)
	binary.BigEndian.PutUint64(buf[32:40], t.Refunded)
	return buf
}

// DecodeTotals parses the stored totals.
func DecodeTotals(b []byte) (Totals, error) {
	if len(b) != 40 {
		return Totals{}, fmt.Errorf("totals must be 40 bytes, got %d", len(b))
	}

	return Totals{
		Collected: binary.BigEndian.Uint64(b[0:8]),
		Pending:   binary.BigEndian.Uint64(b[8:16]),
		Retained:  binary.BigEndian.Uint64(b[16:24]),
		Withdrawn: binary.BigEndian.Uint64(b[24:32]),
		Refunded:  binary.BigEndian.Uint64(b[32:40]),
	}, nil
}
