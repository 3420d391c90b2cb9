package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdle is how long an unused limiter is kept.
	limiterIdle = 10 * time.Minute

	// limiterSweep is how often idle limiters are dropped.
	limiterSweep = time.Minute
)

// limiterEntry holds a rate limiter and its last access time.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter hands out one token bucket per client key.
type rateLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// newRateLimiter allows perSecond requests per key with the given burst.
// A non-positive rate disables limiting.
func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	rl := &rateLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		stop:     make(chan struct{}),
	}

	if perSecond <= 0 {
		rl.rate = rate.Inf
	}

	rl.wg.Add(1)
	go rl.cleanup()

	return rl
}

// allow reports whether key may make a request now.
func (rl *rateLimiter) allow(key string) bool {
	if rl.rate == rate.Inf {
		return true
	}

	now := time.Now()

	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastAccess = now
	rl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// cleanup removes limiters that have not been used recently.
func (rl *rateLimiter) cleanup() {
	defer rl.wg.Done()

	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, e := range rl.limiters {
				if now.Sub(e.lastAccess) > limiterIdle {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) close() {
	rl.once.Do(func() { close(rl.stop) })
	rl.wg.Wait()
}
