package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a message hash is remembered by default.
	defaultDedupTTL = 30 * time.Second

	// maxCleanupInterval bounds the sweep period for long TTLs.
	maxCleanupInterval = 10 * time.Second
)

// Dedup remembers BLAKE3 hashes of recent messages so repeats within the TTL can
// be dropped. It is also used to reject replayed signed API requests.
type Dedup struct {
	seen map[[32]byte]time.Time // seen maps message hash to first sight
	mu   sync.Mutex             // mu protects seen
	ttl  time.Duration          // ttl is the memory window
	now  func() time.Time       // now is the time source
	stop chan struct{}          // stop ends the sweeper
	once sync.Once              // once guards stop
	wg   sync.WaitGroup         // wg waits for the sweeper
}

// NewDedup creates a tracker with the given TTL (0 selects the default).
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// TTL returns the memory window.
func (d *Dedup) TTL() time.Duration {
	return d.ttl
}

// Check reports whether data is new, recording it if so.
func (d *Dedup) Check(data []byte) bool {
	return d.CheckHash(blake3.Sum256(data))
}

// CheckHash is Check for a precomputed hash.
func (d *Dedup) CheckHash(hash [32]byte) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now.Sub(ts) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the sweeper.
func (d *Dedup) Close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Dedup) startCleanup() {
	interval := d.ttl / 2
	if interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup forgets expired hashes.
func (d *Dedup) cleanup() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
