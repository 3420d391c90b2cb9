// Package keeper claims timeouts for expired matching requests so that no fee
// stays locked when the oracle never answers.
package keeper

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"BlindMatch/internal/guard"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/matching"
)

// DefaultInterval is the default time between sweeps.
const DefaultInterval = time.Minute

// Claimer is the part of the state machine the sweeper drives.
type Claimer interface {
	// ListExpired returns the Active requests whose deadline is before now.
	ListExpired(now time.Time) ([]matching.Request, error)

	// ClaimTimeout refunds an expired request on behalf of caller.
	ClaimTimeout(id uint64, caller guard.Principal) error
}

// Result summarizes one sweep.
type Result struct {
	Claimed int // Claimed is the number of requests refunded
	Lost    int // Lost is the number of requests settled by someone else first
	Failed  int // Failed is the number of claims that returned another error
	Expired int // Expired is the number of expired requests seen
}

// Sweeper periodically claims every expired request.
type Sweeper struct {
	claimer  Claimer
	keeper   guard.Principal
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the time source used to find expired requests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper that claims as the keeper principal.
func New(claimer Claimer, keeper guard.Principal, opts ...Option) *Sweeper {
	s := &Sweeper{
		claimer:  claimer,
		keeper:   keeper,
		interval: DefaultInterval,
		now:      time.Now,
		log:      logger.With("component", "keeper"),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the loop and waits for an in-flight sweep. Later calls do nothing.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep claims every request expired at the current time.
// A request that settles concurrently counts as lost, not failed.
func (s *Sweeper) Sweep() Result {
	start := time.Now()

	expired, err := s.claimer.ListExpired(s.now())
	if err != nil {
		s.log.Error("list expired requests", "error", err)
		return Result{}
	}

	res := Result{Expired: len(expired)}

	for _, r := range expired {
		select {
		case <-s.stop:
			return res
		default:
		}

		err := s.claimer.ClaimTimeout(r.ID, s.keeper)

		switch {
		case err == nil:
			res.Claimed++
		case errors.Is(err, guard.ErrStateConflict):
			res.Lost++
		case errors.Is(err, guard.ErrTransferFailure):
			res.Failed++
			s.log.Warn("timeout refund failed, will retry", "request", r.ID, "error", err)
		default:
			res.Failed++
			s.log.Error("claim timeout", "request", r.ID, "error", err)
		}
	}

	if res.Expired > 0 {
		s.log.Info("sweep done", "claimed", res.Claimed, "lost", res.Lost, "failed", res.Failed, logger.Timed(start))
	}

	return res
}
