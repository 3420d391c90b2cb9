// Package matching is the request lifecycle state machine. A request is created
// Active with its fee collected and its score dispatched for decryption, and
// reaches exactly one terminal state: Completed by the decryption callback or
// Refunded by a timeout claim.
package matching

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/fhe"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/registry"
	"BlindMatch/internal/router"
	"BlindMatch/internal/scoring"
	"BlindMatch/internal/storage"
)

// lockStripes is the number of request lock stripes.
const lockStripes = 64

// Storage keys.
var (
	prefixRequest = []byte("q:") // q:<id BE> -> request
	keyRequestSeq = []byte("m:request-seq")
)

// Records looks up registered records.
type Records interface {
	Get(id uint64) (registry.Record, error)
}

// Verifier checks a decryption proof. Failures wrap guard.ErrInvalidProof.
type Verifier interface {
	Verify(trackingID uint64, cleartext, proof []byte) error
}

// Machine runs the request lifecycle.
type Machine struct {
	db       *storage.Storage
	records  Records
	engine   fhe.Engine
	router   *router.Router
	ledger   *ledger.Ledger
	verifier Verifier
	events   events.Emitter
	now      func() time.Time
	log      *slog.Logger

	// createMu serializes id allocation, dispatch and the create commit.
	createMu sync.Mutex
	lastID   uint64

	// locks serialize read-check-write on a request, striped by id.
	locks [lockStripes]sync.Mutex

	cfgMu sync.RWMutex
	cfg   Config
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New opens the state machine. cfg supplies the fee and the initial threshold
// and timeout; values changed later by the owner are persisted and win on reopen.
func New(
	db *storage.Storage,
	records Records,
	engine fhe.Engine,
	rt *router.Router,
	lg *ledger.Ledger,
	verifier Verifier,
	emitter events.Emitter,
	cfg Config,
	opts ...Option,
) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	stored, err := db.Get(keyConfig)
	if err != nil {
		return nil, fmt.Errorf("load config:\n%w", err)
	}

	if stored != nil {
		if cfg, err = applyOverrides(cfg, stored); err != nil {
			return nil, fmt.Errorf("stored config:\n%w", err)
		}
	}

	last, err := db.Uint64(keyRequestSeq)
	if err != nil {
		return nil, fmt.Errorf("load request sequence:\n%w", err)
	}

	m := &Machine{
		db:       db,
		records:  records,
		engine:   engine,
		router:   rt,
		ledger:   lg,
		verifier: verifier,
		events:   emitter,
		now:      time.Now,
		log:      logger.With("component", "matching"),
		lastID:   last,
		cfg:      cfg,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Config returns the current configuration.
func (m *Machine) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()

	return m.cfg
}

// Create checks the preconditions in order (not paused, both records exist,
// exact fee, distinct records, both available, requester owns one), collects
// the fee, computes the encrypted score, dispatches it and stores the Active
// request. If dispatch or the commit fails nothing is stored and the fee is
// returned.
func (m *Machine) Create(ctx context.Context, recordA, recordB uint64, requester guard.Principal, paid uint64) (uint64, error) {
	if err := guard.RequireNotPaused(m.ledger); err != nil {
		return 0, err
	}

	a, err := m.records.Get(recordA)
	if err != nil {
		return 0, err
	}

	b, err := m.records.Get(recordB)
	if err != nil {
		return 0, err
	}

	cfg := m.Config()

	if paid != cfg.Fee {
		return 0, fmt.Errorf("%w: paid %d, fee is exactly %d", guard.ErrValidation, paid, cfg.Fee)
	}

	if recordA == recordB {
		return 0, fmt.Errorf("%w: a record cannot be matched with itself", guard.ErrValidation)
	}

	if !a.Available || !b.Available {
		return 0, fmt.Errorf("%w: both records must be available", guard.ErrStateConflict)
	}

	if requester != a.Owner && requester != b.Owner {
		return 0, fmt.Errorf("%w: requester %s owns neither record", guard.ErrNotAuthorized, requester)
	}

	if err := m.ledger.Collect(requester, cfg.Fee); err != nil {
		return 0, err
	}

	id, err := m.store(ctx, a, b, requester, cfg)
	if err != nil {
		if rerr := m.ledger.Return(requester, cfg.Fee); rerr != nil {
			return 0, fmt.Errorf("%w (fee return failed: %v)", err, rerr)
		}
		return 0, err
	}

	return id, nil
}

// store scores a against b, dispatches the score and commits the request with
// its fee and events. The fee is already collected.
func (m *Machine) store(ctx context.Context, a, b registry.Record, requester guard.Principal, cfg Config) (uint64, error) {
	score, err := scoring.Score(m.engine, a.Attributes, b.Attributes)
	if err != nil {
		return 0, fmt.Errorf("compute score:\n%w", err)
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	id := m.lastID + 1
	batch := m.db.NewBatch()

	trackingID, err := m.router.Dispatch(ctx, batch, score, id, Selector)
	if err != nil {
		batch.Close()
		m.discard(score)
		return 0, err
	}

	now := m.now().UTC()

	req := Request{
		ID:          id,
		RecordA:     a.ID,
		RecordB:     b.ID,
		Requester:   requester,
		PaidFee:     cfg.Fee,
		ScoreHandle: score,
		TrackingID:  trackingID,
		Threshold:   cfg.Threshold,
		CreatedAt:   now,
		Deadline:    now.Add(cfg.CallbackTimeout),
		State:       Active,
		Disposition: Pending,
	}

	batch.Set(requestKey(id), EncodeRequest(req))
	batch.PutUint64(keyRequestSeq, id)

	err = m.ledger.CommitCollect(batch, cfg.Fee,
		events.Event{
			Kind:      events.MatchRequested,
			At:        now,
			RequestID: id,
			Principal: requester,
			Amount:    cfg.Fee,
			Deadline:  req.Deadline,
		},
		events.Event{Kind: events.DecryptionDispatched, At: now, RequestID: id, TrackingID: trackingID},
	)
	if err != nil {
		m.discard(score)
		return 0, fmt.Errorf("store request:\n%w", err)
	}

	m.lastID = id

	return id, nil
}

// discard drops a score handle no stored request references.
func (m *Machine) discard(h fhe.Handle) {
	if err := m.engine.Drop(h); err != nil {
		m.log.Warn("drop score handle", "handle", h, "error", err)
	}
}

// HandleCallback applies a decryption result. The proof is checked first; the
// request must be Active with its deadline not yet passed. The fee is retained
// when the normalized score reaches the captured threshold and refunded otherwise.
func (m *Machine) HandleCallback(trackingID uint64, cleartext, proof []byte) error {
	if err := m.verifier.Verify(trackingID, cleartext, proof); err != nil {
		if !errors.Is(err, guard.ErrInvalidProof) {
			err = fmt.Errorf("%w: %v", guard.ErrInvalidProof, err)
		}
		return err
	}

	id, err := m.resolve(trackingID)
	if err != nil {
		return err
	}

	raw, err := scoring.DecodeCleartext(cleartext)
	if err != nil {
		return fmt.Errorf("%w: %v", guard.ErrValidation, err)
	}

	score := scoring.Normalize(raw)

	lock := m.lockFor(id)
	lock.Lock()

	before, err := m.load(id)
	if err != nil {
		lock.Unlock()
		return err
	}

	now := m.now().UTC()

	if before.State != Active {
		lock.Unlock()
		return fmt.Errorf("%w: request %d is %s", guard.ErrStateConflict, id, before.State)
	}

	if now.After(before.Deadline) {
		lock.Unlock()
		return fmt.Errorf("%w: request %d deadline %s has passed", guard.ErrStateConflict, id, before.Deadline.Format(time.RFC3339))
	}

	after := before
	after.State = Completed
	after.Score = score
	after.SettledAt = now

	if score >= before.Threshold {
		after.Disposition = Retained

		batch := m.db.NewBatch()
		batch.Set(requestKey(id), EncodeRequest(after))

		err := m.ledger.Retain(batch, before.PaidFee,
			events.Event{Kind: events.MatchCompleted, At: now, RequestID: id, Score: score, Success: true})
		lock.Unlock()

		if err != nil {
			return fmt.Errorf("retain fee:\n%w", err)
		}

		m.log.Info("match completed", "request", id, "score", score, "success", true)

		return nil
	}

	after.Disposition = RefundedBelowThreshold

	err = m.refund(lock, before, after,
		events.Event{Kind: events.MatchCompleted, At: now, RequestID: id, Score: score},
		events.Event{
			Kind:      events.Refunded,
			At:        now,
			RequestID: id,
			Principal: before.Requester,
			Amount:    before.PaidFee,
			Reason:    events.ReasonBelowThreshold,
		},
	)
	if err != nil {
		return err
	}

	m.log.Info("match completed", "request", id, "score", score, "success", false)

	return nil
}

// ClaimTimeout refunds an Active request whose deadline has passed. Any
// principal may claim.
func (m *Machine) ClaimTimeout(id uint64, caller guard.Principal) error {
	lock := m.lockFor(id)
	lock.Lock()

	before, err := m.load(id)
	if err != nil {
		lock.Unlock()
		return err
	}

	now := m.now().UTC()

	if before.State != Active {
		lock.Unlock()
		return fmt.Errorf("%w: request %d is %s", guard.ErrStateConflict, id, before.State)
	}

	if !now.After(before.Deadline) {
		lock.Unlock()
		return fmt.Errorf("%w: request %d deadline %s not reached", guard.ErrStateConflict, id, before.Deadline.Format(time.RFC3339))
	}

	after := before
	after.State = Refunded
	after.Disposition = RefundedTimeout
	after.SettledAt = now

	err = m.refund(lock, before, after,
		events.Event{Kind: events.TimeoutTriggered, At: now, RequestID: id, Principal: caller},
		events.Event{
			Kind:      events.Refunded,
			At:        now,
			RequestID: id,
			Principal: before.Requester,
			Amount:    before.PaidFee,
			Reason:    events.ReasonTimeout,
		},
	)
	if err != nil {
		return err
	}

	m.log.Info("timeout claimed", "request", id, "caller", caller)

	return nil
}

// refund commits after and the ledger refund while holding lock, releases it,
// then pays the requester; evs commit with the payment. A reentrant call during
// the payment finds the request terminal. If the payment fails, before is
// restored and the refund reverted.
func (m *Machine) refund(lock *sync.Mutex, before, after Request, evs ...events.Event) error {
	p := ledger.Payout{To: before.Requester, Amount: before.PaidFee, Events: evs}

	batch := m.db.NewBatch()
	batch.Set(requestKey(after.ID), EncodeRequest(after))

	err := m.ledger.CommitRefund(batch, &p)
	lock.Unlock()

	if err != nil {
		return fmt.Errorf("commit refund:\n%w", err)
	}

	transferErr := m.ledger.Pay(p)
	if transferErr == nil {
		return nil
	}

	lock.Lock()
	defer lock.Unlock()

	batch = m.db.NewBatch()
	batch.Set(requestKey(before.ID), EncodeRequest(before))

	if err := m.ledger.RevertRefund(batch, p); err != nil {
		m.log.Error("revert refund", "request", before.ID, "error", err)
		return fmt.Errorf("%w (revert failed: %v)", transferErr, err)
	}

	m.log.Warn("refund transfer failed, request restored", "request", before.ID, "error", transferErr)

	return transferErr
}

// SetThreshold changes the threshold for future requests. Owner only.
func (m *Machine) SetThreshold(caller guard.Principal, threshold uint8) error {
	if err := guard.RequireOwner(m.ledger.Owner(), caller); err != nil {
		return err
	}

	if err := validateThreshold(threshold); err != nil {
		return err
	}

	return m.updateConfig(caller, "threshold", fmt.Sprint(threshold), func(c *Config) { c.Threshold = threshold })
}

// SetCallbackTimeout changes the callback window for future requests. Owner only.
func (m *Machine) SetCallbackTimeout(caller guard.Principal, d time.Duration) error {
	if err := guard.RequireOwner(m.ledger.Owner(), caller); err != nil {
		return err
	}

	if err := validateTimeout(d); err != nil {
		return err
	}

	return m.updateConfig(caller, "callback_timeout", d.String(), func(c *Config) { c.CallbackTimeout = d })
}

// SetPaused toggles the pause flag. Owner only.
func (m *Machine) SetPaused(caller guard.Principal, paused bool) error {
	return m.ledger.SetPaused(caller, paused)
}

func (m *Machine) updateConfig(caller guard.Principal, setting, value string, fn func(c *Config)) error {
	m.cfgMu.Lock()

	defer m.cfgMu.Unlock()

	next := m.cfg
	fn(&next)

	batch := m.db.NewBatch()
	batch.Set(keyConfig, encodeOverrides(next))

	ev := events.Event{Kind: events.ConfigChanged, At: m.now().UTC(), Principal: caller, Setting: setting, Value: value}

	if err := events.Commit(m.events, batch, ev); err != nil {
		return fmt.Errorf("store config:\n%w", err)
	}

	m.cfg = next

	return nil
}

// Request returns a request by id.
func (m *Machine) Request(id uint64) (Request, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return m.load(id)
}

// LastID returns the highest assigned request id.
func (m *Machine) LastID() uint64 {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	return m.lastID
}

// Each calls fn for every request in id order.
func (m *Machine) Each(fn func(Request) error) error {
	return m.db.IteratePrefix(prefixRequest, func(_, value []byte) error {
		r, err := DecodeRequest(value)
		if err != nil {
			return err
		}

		return fn(r)
	})
}

// ListActive returns the Active requests in id order.
func (m *Machine) ListActive() ([]Request, error) {
	return m.filter(func(r Request) bool { return r.State == Active })
}

// ListExpired returns the Active requests whose deadline is before now.
func (m *Machine) ListExpired(now time.Time) ([]Request, error) {
	return m.filter(func(r Request) bool { return r.State == Active && now.After(r.Deadline) })
}

func (m *Machine) filter(keep func(Request) bool) ([]Request, error) {
	var out []Request

	err := m.Each(func(r Request) error {
		if keep(r) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan requests:\n%w", err)
	}

	return out, nil
}

// resolve maps a tracking id to a request id. A miss is retried once after
// any in-flight create commits, since the gateway may answer before it does.
func (m *Machine) resolve(trackingID uint64) (uint64, error) {
	id, ok, err := m.router.Resolve(trackingID)
	if err != nil {
		return 0, err
	}

	if !ok {
		m.createMu.Lock()
		m.createMu.Unlock()

		if id, ok, err = m.router.Resolve(trackingID); err != nil {
			return 0, err
		}
	}

	if !ok {
		return 0, fmt.Errorf("%w: tracking id %d", guard.ErrNotFound, trackingID)
	}

	return id, nil
}

// load reads a request (caller holds its lock).
func (m *Machine) load(id uint64) (Request, error) {
	data, err := m.db.Get(requestKey(id))
	if err != nil {
		return Request{}, fmt.Errorf("load request %d:\n%w", id, err)
	}

	if data == nil {
		return Request{}, fmt.Errorf("%w: request %d", guard.ErrNotFound, id)
	}

	r, err := DecodeRequest(data)
	if err != nil {
		return Request{}, fmt.Errorf("decode request %d:\n%w", id, err)
	}

	return r, nil
}

func (m *Machine) lockFor(id uint64) *sync.Mutex {
	return &m.locks[id%lockStripes]
}

func requestKey(id uint64) []byte {
	key := make([]byte, len(prefixRequest)+8)
	copy(key, prefixRequest)
	binary.BigEndian.PutUint64(key[len(prefixRequest):], id)
	return key
}
