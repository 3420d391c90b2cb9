package storage

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// ErrClosed is returned when a batch is used after Commit or Close.
var ErrClosed = errors.New("batch closed")

// Storage is a key-value store backed by Pebble.
// Plain writes are NoSync and flushed by a background WAL sync loop;
// batches commit synchronously because they carry settlement state.
type Storage struct {
	db       *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
	closed   bool
	closeMu  sync.Mutex
}

// New opens (or creates) a store at path.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(16 << 20), // 16 MB cache
		MemTableSize:                8 << 20,                   // 8 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get returns a copy of the value stored at key, or nil if absent.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// The value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key is present.
func (s *Storage) Has(key []byte) (bool, error) {
	v, err := s.Get(key)
	return v != nil, err
}

// Set stores a key-value pair without waiting for the WAL sync.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key without waiting for the WAL sync.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// Uint64 reads a big-endian counter stored at key. Missing keys read as zero.
func (s *Storage) Uint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil || len(v) < 8 {
		return 0, err
	}

	return binary.BigEndian.Uint64(v), nil
}

// IteratePrefix calls fn for each key-value pair whose key starts with prefix,
// in lexicographic key order. Returning an error from fn stops iteration.
// Keys and values are only valid for the duration of the call.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return iteratePrefix(s.db, prefix, fn)
}

func iteratePrefix(r pebble.Reader, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// View is a consistent point-in-time read of the store.
// Writes committed after View was taken are not visible through it.
type View struct {
	snap *pebble.Snapshot
}

// View opens a read view. Callers must Close it.
func (s *Storage) View() *View {
	return &View{snap: s.db.NewSnapshot()}
}

// Get returns a copy of the value at key as of the view, or nil if absent.
func (v *View) Get(key []byte) ([]byte, error) {
	value, closer, err := v.snap.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// IteratePrefix is Storage.IteratePrefix as of the view.
func (v *View) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return iteratePrefix(v.snap, prefix, fn)
}

// Close releases the view.
func (v *View) Close() error {
	return v.snap.Close()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil (unbounded) for an empty or all-0xFF prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// NewBatch starts an atomic group of writes.
func (s *Storage) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Close stops the sync loop, flushes the WAL and closes the database.
// Later calls do nothing.
func (s *Storage) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}

	return s.db.Close()
}

// startSyncLoop starts the goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// Batch collects writes that are applied all-or-nothing.
// The first write error is kept and returned by Commit.
type Batch struct {
	b   *pebble.Batch
	err error
}

// Set stages a key-value pair.
func (b *Batch) Set(key, value []byte) {
	if b.b == nil {
		b.err = ErrClosed
		return
	}

	if err := b.b.Set(key, value, nil); err != nil && b.err == nil {
		b.err = err
	}
}

// PutUint64 stages a big-endian counter.
func (b *Batch) PutUint64(key []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.Set(key, buf[:])
}

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) {
	if b.b == nil {
		b.err = ErrClosed
		return
	}

	if err := b.b.Delete(key, nil); err != nil && b.err == nil {
		b.err = err
	}
}

// Fail marks the batch so Commit returns err and applies nothing.
func (b *Batch) Fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Empty reports whether nothing has been staged.
func (b *Batch) Empty() bool {
	return b.b == nil || b.b.Empty()
}

// Commit durably applies the staged writes and releases the batch.
func (b *Batch) Commit() error {
	if b.b == nil {
		return ErrClosed
	}
	defer b.Close()

	if b.err != nil {
		return b.err
	}

	return b.b.Commit(pebble.Sync)
}

// Close discards the batch. Safe to call more than once.
func (b *Batch) Close() {
	if b.b == nil {
		return
	}

	_ = b.b.Close()
	b.b = nil
}
