package ledger

import (
	"errors"
	"testing"
	"time"

	"BlindMatch/internal/accounts"
	"BlindMatch/internal/events"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/storage"
)

var (
	owner     = guard.Principal{0xAA}
	requester = guard.Principal{0x01}
)

// hookFunds wraps a Book and lets tests fail or reenter on a credit.
type hookFunds struct {
	*accounts.Book
	fail     bool
	onCredit func()
}

func (h *hookFunds) CreditWith(p guard.Principal, amount uint64, stage func(*storage.Batch) func(error)) error {
	if h.onCredit != nil {
		fn := h.onCredit
		h.onCredit = nil
		fn()
	}

	if h.fail {
		return errors.New("recipient rejected transfer")
	}

	return h.Book.CreditWith(p, amount, stage)
}

type testLedger struct {
	*Ledger
	db    *storage.Storage
	funds *hookFunds
	rec   *events.Recorder
}

func newTestLedger(t *testing.T, dir string) *testLedger {
	t.Helper()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	funds := &hookFunds{Book: accounts.New(db)}
	rec := &events.Recorder{}

	l, err := New(db, funds, owner, rec)
	if err != nil {
		t.Fatal(err)
	}

	return &testLedger{Ledger: l, db: db, funds: funds, rec: rec}
}

// collect runs the creation-side fee intake for amount.
func (tl *testLedger) collect(t *testing.T, amount uint64) {
	t.Helper()

	tl.funds.Book.Credit(requester, amount)

	if err := tl.Collect(requester, amount); err != nil {
		t.Fatal(err)
	}

	if err := tl.CommitCollect(tl.db.NewBatch(), amount); err != nil {
		t.Fatal(err)
	}
}

func TestCollectRetainWithdraw(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)

	if got := tl.Totals(); got.Collected != 1000 || got.Pending != 1000 {
		t.Fatalf("after collect: %+v", got)
	}

	if err := tl.Retain(tl.db.NewBatch(), 1000); err != nil {
		t.Fatal(err)
	}

	if got := tl.Totals(); got.Pending != 0 || got.Retained != 1000 {
		t.Fatalf("after retain: %+v", got)
	}

	to := guard.Principal{0xBB}

	amount, err := tl.Withdraw(owner, to)
	if err != nil || amount != 1000 {
		t.Fatalf("withdraw = %d, %v", amount, err)
	}

	bal, _ := tl.funds.Balance(to)
	if bal != 1000 {
		t.Errorf("recipient balance = %d", bal)
	}

	if got := tl.Totals(); got.Retained != 0 || got.Withdrawn != 1000 || !got.Balanced() {
		t.Errorf("after withdraw: %+v", got)
	}

	if tl.rec.Count(events.FeesWithdrawn) != 1 {
		t.Error("withdraw event missing")
	}
}

func TestWithdrawGuards(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	if _, err := tl.Withdraw(guard.Principal{0x02}, owner); !errors.Is(err, guard.ErrNotAuthorized) {
		t.Errorf("stranger: got %v, want ErrNotAuthorized", err)
	}

	if _, err := tl.Withdraw(owner, owner); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("empty: got %v, want ErrNothingToWithdraw", err)
	}
}

func TestWithdrawTransferFailureRestores(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)
	tl.Retain(tl.db.NewBatch(), 1000)
	before := tl.Totals()

	tl.funds.fail = true

	if _, err := tl.Withdraw(owner, owner); !errors.Is(err, guard.ErrTransferFailure) {
		t.Fatalf("got %v, want ErrTransferFailure", err)
	}

	if got := tl.Totals(); got != before {
		t.Errorf("totals not restored: %+v, want %+v", got, before)
	}

	if tl.rec.Count(events.FeesWithdrawn) != 0 {
		t.Error("failed withdraw emitted an event")
	}

	tl.funds.fail = false

	if _, err := tl.Withdraw(owner, owner); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestWithdrawReentrant(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)
	tl.Retain(tl.db.NewBatch(), 1000)

	var inner error
	tl.funds.onCredit = func() {
		_, inner = tl.Withdraw(owner, owner)
	}

	amount, err := tl.Withdraw(owner, owner)
	if err != nil || amount != 1000 {
		t.Fatalf("outer withdraw = %d, %v", amount, err)
	}

	if !errors.Is(inner, ErrNothingToWithdraw) {
		t.Errorf("reentrant withdraw: got %v, want ErrNothingToWithdraw", inner)
	}

	bal, _ := tl.funds.Balance(owner)
	if bal != 1000 {
		t.Errorf("owner paid %d, want 1000 exactly once", bal)
	}
}

func TestRefundTwoPhase(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)

	p := Payout{To: requester, Amount: 1000, Events: []events.Event{{Kind: events.Refunded, Principal: requester, Amount: 1000}}}

	if err := tl.CommitRefund(tl.db.NewBatch(), &p); err != nil {
		t.Fatal(err)
	}

	if got := tl.Totals(); got.Pending != 0 || got.Refunded != 1000 {
		t.Fatalf("after commit: %+v", got)
	}

	if ok, _ := tl.db.Has(payoutKey(p.ID)); p.ID == 0 || !ok {
		t.Fatalf("payout marker %d not stored", p.ID)
	}

	tl.funds.fail = true

	if err := tl.Pay(p); !errors.Is(err, guard.ErrTransferFailure) {
		t.Fatalf("got %v, want ErrTransferFailure", err)
	}

	if tl.rec.Count(events.Refunded) != 0 {
		t.Error("refund event emitted for a failed payment")
	}

	if err := tl.RevertRefund(tl.db.NewBatch(), p); err != nil {
		t.Fatal(err)
	}

	if got := tl.Totals(); got.Pending != 1000 || got.Refunded != 0 || !got.Balanced() {
		t.Errorf("after revert: %+v", got)
	}

	if ok, _ := tl.db.Has(payoutKey(p.ID)); ok {
		t.Error("marker survived the revert")
	}
}

func TestPayCommitsEventsWithCredit(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)

	p := Payout{To: requester, Amount: 1000, Events: []events.Event{{Kind: events.Refunded, Principal: requester, Amount: 1000}}}

	if err := tl.CommitRefund(tl.db.NewBatch(), &p); err != nil {
		t.Fatal(err)
	}

	if err := tl.Pay(p); err != nil {
		t.Fatal(err)
	}

	if bal, _ := tl.funds.Balance(requester); bal != 1000 {
		t.Errorf("requester balance %d", bal)
	}

	if got := tl.rec.Find(events.Refunded); len(got) != 1 || got[0].Principal != requester {
		t.Errorf("refund events %+v", got)
	}

	if ok, _ := tl.db.Has(payoutKey(p.ID)); ok {
		t.Error("marker left after payment")
	}
}

func TestInterruptedPayoutResumesOnOpen(t *testing.T) {
	dir := t.TempDir()
	tl := newTestLedger(t, dir)

	tl.collect(t, 1000)

	// The refund commits but the process stops before paying
	p := Payout{To: requester, Amount: 1000, Events: []events.Event{{Kind: events.Refunded, Principal: requester, Amount: 1000}}}
	if err := tl.CommitRefund(tl.db.NewBatch(), &p); err != nil {
		t.Fatal(err)
	}

	rec := &events.Recorder{}

	l, err := New(tl.db, accounts.New(tl.db), owner, rec)
	if err != nil {
		t.Fatal(err)
	}

	if bal, _ := tl.funds.Balance(requester); bal != 1000 {
		t.Errorf("requester balance %d after resume", bal)
	}

	if got := rec.Find(events.Refunded); len(got) != 1 || got[0].Principal != requester {
		t.Errorf("resumed events %+v", got)
	}

	// Paid once: a second open finds nothing left
	if paid, err := l.Resume(); err != nil || paid != 0 {
		t.Errorf("second resume paid %d, %v", paid, err)
	}

	if got := l.Totals(); got.Refunded != 1000 || !got.Balanced() {
		t.Errorf("totals %+v", got)
	}
}

func TestFailedResumeKeepsMarker(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)
	tl.Retain(tl.db.NewBatch(), 1000)

	// Retained is zeroed and the marker written as Withdraw would
	p := Payout{To: owner, Amount: 1000}
	err := tl.apply(tl.db.NewBatch(), &p, func(t *Totals) error {
		t.Withdrawn += 1000
		t.Retained = 0
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tl.funds.fail = true

	if paid, err := tl.Resume(); err != nil || paid != 0 {
		t.Fatalf("resume paid %d, %v", paid, err)
	}

	if ok, _ := tl.db.Has(payoutKey(p.ID)); !ok {
		t.Fatal("marker dropped after a failed payment")
	}

	tl.funds.fail = false

	if paid, _ := tl.Resume(); paid != 1 {
		t.Fatalf("retry paid %d", paid)
	}

	if bal, _ := tl.funds.Balance(owner); bal != 1000 {
		t.Errorf("owner balance %d", bal)
	}
}

func TestOverdrawRejected(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.collect(t, 1000)

	if err := tl.Retain(tl.db.NewBatch(), 2000); err == nil {
		t.Error("retain above pending accepted")
	}

	if err := tl.CommitRefund(tl.db.NewBatch(), &Payout{To: requester, Amount: 2000}); err == nil {
		t.Error("refund above pending accepted")
	}

	if got := tl.Totals(); got.Pending != 1000 {
		t.Errorf("rejected moves changed totals: %+v", got)
	}
}

func TestCollectInsufficientFunds(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	if err := tl.Collect(requester, 1000); !errors.Is(err, guard.ErrTransferFailure) {
		t.Errorf("got %v, want ErrTransferFailure", err)
	}
}

func TestReturnReportsFailure(t *testing.T) {
	tl := newTestLedger(t, t.TempDir())

	tl.funds.fail = true

	if err := tl.Return(requester, 1000); !errors.Is(err, guard.ErrTransferFailure) {
		t.Errorf("got %v, want ErrTransferFailure", err)
	}

	tl.funds.fail = false

	if err := tl.Return(requester, 1000); err != nil {
		t.Fatal(err)
	}

	if bal, _ := tl.funds.Balance(requester); bal != 1000 {
		t.Errorf("balance %d", bal)
	}
}

func TestPause(t *testing.T) {
	dir := t.TempDir()
	tl := newTestLedger(t, dir)

	if err := tl.SetPaused(guard.Principal{0x02}, true); !errors.Is(err, guard.ErrNotAuthorized) {
		t.Errorf("stranger: got %v, want ErrNotAuthorized", err)
	}

	if err := tl.SetPaused(owner, true); err != nil {
		t.Fatal(err)
	}

	if !tl.Paused() {
		t.Error("pause not applied")
	}

	// Same value: no second event
	tl.SetPaused(owner, true)

	if tl.rec.Count(events.PauseToggled) != 1 {
		t.Errorf("pause events = %d, want 1", tl.rec.Count(events.PauseToggled))
	}
}

func TestPauseCommitFailureLeavesNoTrace(t *testing.T) {
	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	journal, err := events.NewJournal(db)
	if err != nil {
		t.Fatal(err)
	}

	// An event timestamp past year 9999 cannot be encoded, so the batch fails
	broken := func() time.Time { return time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC) }

	l, err := New(db, accounts.New(db), owner, journal, WithClock(broken))
	if err != nil {
		t.Fatal(err)
	}

	if err := l.SetPaused(owner, true); err == nil {
		t.Fatal("pause committed with an unencodable event")
	}

	if l.Paused() {
		t.Error("pause flag set in memory")
	}

	if stored, _ := db.Get(keyPaused); stored != nil {
		t.Errorf("pause flag stored: %v", stored)
	}

	if list, _ := journal.List(0, 10); len(list) != 0 || journal.Last() != 0 {
		t.Errorf("events after a failed commit: %+v", list)
	}
}

func TestStatePersists(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	funds := accounts.New(db)
	funds.Credit(requester, 1000)

	l, _ := New(db, funds, owner, events.Discard{})
	l.Collect(requester, 1000)
	l.CommitCollect(db.NewBatch(), 1000)
	l.Retain(db.NewBatch(), 400)
	l.SetPaused(owner, true)
	db.Close()

	db, err = storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	l, err = New(db, accounts.New(db), owner, events.Discard{})
	if err != nil {
		t.Fatal(err)
	}

	want := Totals{Collected: 1000, Pending: 600, Retained: 400}
	if got := l.Totals(); got != want {
		t.Errorf("totals = %+v, want %+v", got, want)
	}

	if !l.Paused() {
		t.Error("pause flag lost")
	}
}

func TestBalanced(t *testing.T) {
	if !(Totals{Collected: 10, Pending: 1, Retained: 2, Withdrawn: 3, Refunded: 4}).Balanced() {
		t.Error("balanced totals reported unbalanced")
	}

	if (Totals{Collected: 10, Pending: 1}).Balanced() {
		t.Error("unbalanced totals reported balanced")
	}

	if (Totals{Collected: 0, Pending: ^uint64(0), Retained: 1}).Balanced() {
		t.Error("overflowing sum reported balanced")
	}
}
