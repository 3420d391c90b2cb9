package matching

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"BlindMatch/internal/accounts"
	"BlindMatch/internal/events"
	"BlindMatch/internal/fhe"
	"BlindMatch/internal/gateway"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/registry"
	"BlindMatch/internal/router"
	"BlindMatch/internal/storage"
)

const testFee = 1000

var (
	sealKey = [32]byte{0x5E}

	owner   = guard.Principal{0xAA}
	alice   = guard.Principal{0x01}
	bob     = guard.Principal{0x02}
	carol   = guard.Principal{0x03}
	genesis = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

// testClock is a settable clock. In flip mode successive calls alternate
// between one second before and one second after t.
type testClock struct {
	mu    sync.Mutex
	t     time.Time
	flip  bool
	calls int
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flip {
		c.calls++
		if c.calls%2 == 0 {
			return c.t.Add(-time.Second)
		}
		return c.t.Add(time.Second)
	}

	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *testClock) Flip(at time.Time) {
	c.mu.Lock()
	c.t = at
	c.flip = true
	c.mu.Unlock()
}

// hookFunds wraps a Book and lets tests fail or reenter on a credit.
type hookFunds struct {
	*accounts.Book

	mu       sync.Mutex
	fail     bool
	onCredit func()
}

func (h *hookFunds) setFail(fail bool) {
	h.mu.Lock()
	h.fail = fail
	h.mu.Unlock()
}

func (h *hookFunds) setOnCredit(fn func()) {
	h.mu.Lock()
	h.onCredit = fn
	h.mu.Unlock()
}

func (h *hookFunds) CreditWith(p guard.Principal, amount uint64, stage func(*storage.Batch) func(error)) error {
	h.mu.Lock()
	fn, fail := h.onCredit, h.fail
	h.onCredit = nil
	h.mu.Unlock()

	if fn != nil {
		fn()
	}

	if fail {
		return errors.New("recipient rejected transfer")
	}

	return h.Book.CreditWith(p, amount, stage)
}

// fakeOracle hands out increasing tracking ids.
type fakeOracle struct {
	mu       sync.Mutex
	next     uint64
	repeat   bool
	err      error
	selector string
}

func (f *fakeOracle) RequestDecryption(_ context.Context, handles [][]byte, selector string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return 0, f.err
	}

	if len(handles) != 1 || len(handles[0]) != fhe.TransportSize {
		return 0, errors.New("bad handles")
	}

	f.selector = selector

	if !f.repeat {
		f.next++
	}

	return f.next, nil
}

func (f *fakeOracle) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type env struct {
	t        *testing.T
	dir      string
	db       *storage.Storage
	engine   *fhe.Local
	records  *registry.Store
	book     *accounts.Book
	funds    *hookFunds
	ledger   *ledger.Ledger
	router   *router.Router
	oracle   *fakeOracle
	signers  *gateway.Signers
	verifier *gateway.Committee
	rec      *events.Recorder
	clock    *testClock
	m        *Machine

	recA, recB uint64
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{t: t, dir: t.TempDir(), clock: &testClock{t: genesis}}

	keys, err := gateway.DeriveCommittee(bytes.Repeat([]byte{7}, 32), 3)
	if err != nil {
		t.Fatal(err)
	}

	e.signers = gateway.NewSigners(keys)
	if e.verifier, err = e.signers.Committee(); err != nil {
		t.Fatal(err)
	}

	e.oracle = &fakeOracle{next: 1000}
	e.open(DefaultConfig(testFee))

	e.recA = e.register(alice, [registry.Slots]uint64{10, 20, 30, 5, 100, 200})
	e.recB = e.register(bob, [registry.Slots]uint64{12, 18, 28, 7, 110, 190})

	e.fund(alice, 5*testFee)
	e.fund(bob, 5*testFee)

	return e
}

// open (re)builds every component over the environment's directory.
func (e *env) open(cfg Config) {
	t := e.t
	t.Helper()

	db, err := storage.New(e.dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	e.db = db
	e.rec = &events.Recorder{}
	e.book = accounts.New(db)
	e.funds = &hookFunds{Book: e.book}

	if e.engine, err = fhe.NewLocal(db, sealKey); err != nil {
		t.Fatal(err)
	}

	if e.ledger, err = ledger.New(db, e.funds, owner, e.rec); err != nil {
		t.Fatal(err)
	}

	if e.records, err = registry.New(db, e.engine, e.ledger, e.rec); err != nil {
		t.Fatal(err)
	}

	e.router = router.New(db, e.engine, e.oracle)

	e.m, err = New(db, e.records, e.engine, e.router, e.ledger, e.verifier, e.rec, cfg, WithClock(e.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
}

// reopen closes storage and opens everything again.
func (e *env) reopen(cfg Config) {
	e.t.Helper()

	e.db.Close()
	e.open(cfg)
}

func (e *env) register(who guard.Principal, vals [registry.Slots]uint64) uint64 {
	e.t.Helper()

	var cts [registry.Slots][]byte
	for i, v := range vals {
		ct, err := fhe.Seal(sealKey, v, fhe.Uint8)
		if err != nil {
			e.t.Fatal(err)
		}
		cts[i] = ct
	}

	id, err := e.records.Register(who, registry.PublicFields{Name: "Rex", Category: 1, Age: 3}, cts)
	if err != nil {
		e.t.Fatalf("register: %v", err)
	}

	return id
}

func (e *env) fund(who guard.Principal, amount uint64) {
	e.t.Helper()

	if err := e.book.Credit(who, amount); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) balance(who guard.Principal) uint64 {
	e.t.Helper()

	b, err := e.book.Balance(who)
	if err != nil {
		e.t.Fatal(err)
	}

	return b
}

// create opens a request from alice over the two default records.
func (e *env) create() Request {
	e.t.Helper()

	id, err := e.m.Create(context.Background(), e.recA, e.recB, alice, testFee)
	if err != nil {
		e.t.Fatalf("create: %v", err)
	}

	return e.request(id)
}

func (e *env) request(id uint64) Request {
	e.t.Helper()

	r, err := e.m.Request(id)
	if err != nil {
		e.t.Fatalf("request %d: %v", id, err)
	}

	return r
}

// callback delivers a correctly proved raw score for r.
func (e *env) callback(r Request, raw uint64) error {
	e.t.Helper()

	cleartext := gateway.Word(raw)

	proof, err := e.signers.Prove(r.TrackingID, cleartext, nil)
	if err != nil {
		e.t.Fatal(err)
	}

	return e.m.HandleCallback(r.TrackingID, cleartext, proof)
}

// checkBalanced fails unless the ledger conserves fees.
// countKeys returns how many stored keys start with prefix.
func (e *env) countKeys(prefix string) int {
	e.t.Helper()

	n := 0
	if err := e.db.IteratePrefix([]byte(prefix), func(_, _ []byte) error { n++; return nil }); err != nil {
		e.t.Fatal(err)
	}

	return n
}

func (e *env) checkBalanced() {
	e.t.Helper()

	if tot := e.ledger.Totals(); !tot.Balanced() {
		e.t.Fatalf("totals not balanced: %+v", tot)
	}
}
