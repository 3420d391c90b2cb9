// Package registry is the encrypted attribute store.
package registry

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/fhe"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/storage"
)

// Storage keys.
var (
	prefixRecord = []byte("a:") // a:<id BE> -> record
	prefixOwner  = []byte("o:") // o:<owner><id BE> -> {}
	keyRecordSeq = []byte("m:record-seq")
)

// Store holds registered records.
type Store struct {
	db     *storage.Storage
	engine fhe.Engine
	pause  guard.PauseState
	events events.Emitter
	now    func() time.Time
	log    *slog.Logger

	// mu serializes id allocation and record mutation.
	mu     sync.Mutex
	lastID uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens the store.
func New(db *storage.Storage, engine fhe.Engine, pause guard.PauseState, emitter events.Emitter, opts ...Option) (*Store, error) {
	last, err := db.Uint64(keyRecordSeq)
	if err != nil {
		return nil, fmt.Errorf("load record sequence:\n%w", err)
	}

	s := &Store{
		db:     db,
		engine: engine,
		pause:  pause,
		events: emitter,
		now:    time.Now,
		log:    logger.With("component", "registry"),
		lastID: last,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Register validates fields, imports the ciphertexts and stores a new available record.
// The owner is granted decryption of each imported handle. On failure every
// handle imported so far is dropped.
func (s *Store) Register(owner guard.Principal, fields PublicFields, ciphertexts [Slots][]byte) (uint64, error) {
	if err := guard.RequireNotPaused(s.pause); err != nil {
		return 0, err
	}

	if owner.IsZero() {
		return 0, fmt.Errorf("%w: owner is unset", guard.ErrValidation)
	}

	if err := fields.Validate(); err != nil {
		return 0, err
	}

	var handles [Slots]fhe.Handle

	imported, err := s.importAll(owner, ciphertexts, &handles)
	if err != nil {
		s.drop(handles[:imported])
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := Record{
		ID:         s.lastID + 1,
		Owner:      owner,
		Fields:     fields,
		Attributes: handles,
		Available:  true,
		CreatedAt:  s.now().UTC(),
	}

	batch := s.db.NewBatch()
	batch.Set(recordKey(r.ID), encodeRecord(r))
	batch.Set(ownerKey(owner, r.ID), nil)
	batch.PutUint64(keyRecordSeq, r.ID)

	ev := events.Event{Kind: events.Registered, At: r.CreatedAt, RecordID: r.ID, Principal: owner}

	if err := events.Commit(s.events, batch, ev); err != nil {
		s.drop(handles[:])
		return 0, fmt.Errorf("store record:\n%w", err)
	}

	s.lastID = r.ID

	return r.ID, nil
}

// importAll imports each ciphertext into handles and grants owner on it. It
// returns how many handles were created.
func (s *Store) importAll(owner guard.Principal, ciphertexts [Slots][]byte, handles *[Slots]fhe.Handle) (int, error) {
	for i, ct := range ciphertexts {
		h, err := s.engine.Import(ct, fhe.Uint8)
		if err != nil {
			return i, fmt.Errorf("%w: attribute %d: %v", guard.ErrValidation, i, err)
		}

		handles[i] = h

		if err := s.engine.Allow(h, owner); err != nil {
			return i + 1, fmt.Errorf("grant attribute %d:\n%w", i, err)
		}
	}

	return Slots, nil
}

// drop discards handles of a record that was never stored.
func (s *Store) drop(handles []fhe.Handle) {
	for _, h := range handles {
		if err := s.engine.Drop(h); err != nil {
			s.log.Warn("drop attribute handle", "handle", h, "error", err)
		}
	}
}

// ToggleAvailability flips the availability flag. Only the owner may call it.
func (s *Store) ToggleAvailability(id uint64, caller guard.Principal) (bool, error) {
	if err := guard.RequireNotPaused(s.pause); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.loadLocked(id)
	if err != nil {
		return false, err
	}

	if err := guard.RequireRecordOwner(r.Owner, caller, id); err != nil {
		return false, err
	}

	r.Available = !r.Available

	ev := events.Event{
		Kind:      events.AvailabilityChanged,
		At:        s.now().UTC(),
		RecordID:  id,
		Principal: caller,
		Available: r.Available,
	}

	if err := s.save(r, ev); err != nil {
		return false, err
	}

	return r.Available, nil
}

// UpdateProfile replaces the public fields. Only the owner may call it.
func (s *Store) UpdateProfile(id uint64, caller guard.Principal, fields PublicFields) error {
	if err := guard.RequireNotPaused(s.pause); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.loadLocked(id)
	if err != nil {
		return err
	}

	if err := guard.RequireRecordOwner(r.Owner, caller, id); err != nil {
		return err
	}

	if err := fields.Validate(); err != nil {
		return err
	}

	r.Fields = fields

	return s.save(r, events.Event{Kind: events.ProfileUpdated, At: s.now().UTC(), RecordID: id, Principal: caller})
}

// save writes r with ev in one batch (caller must hold mu).
func (s *Store) save(r Record, ev events.Event) error {
	batch := s.db.NewBatch()
	batch.Set(recordKey(r.ID), encodeRecord(r))

	if err := events.Commit(s.events, batch, ev); err != nil {
		return fmt.Errorf("store record:\n%w", err)
	}

	return nil
}

// Get returns the full record, including its attribute handles.
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(id)
}

// PublicInfo returns the public view of a record.
func (s *Store) PublicInfo(id uint64) (PublicView, error) {
	r, err := s.Get(id)
	if err != nil {
		return PublicView{}, err
	}

	return r.View(), nil
}

// ListByOwner returns the records owned by owner in id order.
func (s *Store) ListByOwner(owner guard.Principal) ([]PublicView, error) {
	prefix := append(append([]byte{}, prefixOwner...), owner[:]...)

	var ids []uint64

	err := s.db.IteratePrefix(prefix, func(key, _ []byte) error {
		ids = append(ids, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan owner index:\n%w", err)
	}

	views := make([]PublicView, 0, len(ids))

	for _, id := range ids {
		v, err := s.PublicInfo(id)
		if err != nil {
			return nil, err
		}

		views = append(views, v)
	}

	return views, nil
}

// Each calls fn for every record in id order.
func (s *Store) Each(fn func(Record) error) error {
	return s.db.IteratePrefix(prefixRecord, func(_, value []byte) error {
		r, err := DecodeRecord(value)
		if err != nil {
			return err
		}

		return fn(r)
	})
}

// LastID returns the highest assigned record id.
func (s *Store) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastID
}

// loadLocked reads a record (caller must hold mu).
func (s *Store) loadLocked(id uint64) (Record, error) {
	var data []byte

	if id != 0 && id <= s.lastID {
		var err error
		if data, err = s.db.Get(recordKey(id)); err != nil {
			return Record{}, fmt.Errorf("load record %d:\n%w", id, err)
		}
	}

	if err := guard.RequireExists("record", id, s.lastID, data != nil); err != nil {
		return Record{}, err
	}

	r, err := DecodeRecord(data)
	if err != nil {
		return Record{}, fmt.Errorf("decode record %d:\n%w", id, err)
	}

	return r, nil
}

func recordKey(id uint64) []byte {
	key := make([]byte, len(prefixRecord)+8)
	copy(key, prefixRecord)
	binary.BigEndian.PutUint64(key[len(prefixRecord):], id)
	return key
}

func ownerKey(owner guard.Principal, id uint64) []byte {
	key := make([]byte, 0, len(prefixOwner)+guard.PrincipalSize+8)
	key = append(key, prefixOwner...)
	key = append(key, owner[:]...)
	return binary.BigEndian.AppendUint64(key, id)
}
