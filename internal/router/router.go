// Package router hands score handles to the decryption oracle and maps the
// oracle's tracking ids back to request ids.
package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"BlindMatch/internal/fhe"
	"BlindMatch/internal/storage"
)

// ErrDispatch is returned when the oracle did not accept a request.
var ErrDispatch = errors.New("decryption dispatch failed")

// prefixCorrelation maps tracking ids: c:<tracking BE> -> request id BE.
var prefixCorrelation = []byte("c:")

// Oracle is the outbound side of the decryption gateway.
type Oracle interface {
	// RequestDecryption submits transport-encoded handles and returns the
	// oracle-assigned tracking id. selector names the callback to invoke.
	RequestDecryption(ctx context.Context, handles [][]byte, selector string) (uint64, error)
}

// Router dispatches decryption requests and resolves callbacks.
// The correlation map is append-only, so cached entries never go stale.
type Router struct {
	db     *storage.Storage
	engine fhe.Engine
	oracle Oracle

	mu    sync.RWMutex
	cache map[uint64]uint64
}

// New creates a router.
func New(db *storage.Storage, engine fhe.Engine, oracle Oracle) *Router {
	return &Router{
		db:     db,
		engine: engine,
		oracle: oracle,
		cache:  make(map[uint64]uint64),
	}
}

// Dispatch asks the oracle to decrypt h on behalf of requestID and stages the
// correlation entry in batch. The entry becomes visible when batch commits.
// Callers must serialize Dispatch so the duplicate check holds.
func (r *Router) Dispatch(ctx context.Context, batch *storage.Batch, h fhe.Handle, requestID uint64, selector string) (uint64, error) {
	if err := r.engine.AllowDecryption(h); err != nil {
		return 0, fmt.Errorf("%w: allow decryption: %v", ErrDispatch, err)
	}

	transport, err := r.engine.ToTransport(h)
	if err != nil {
		return 0, fmt.Errorf("%w: encode handle: %v", ErrDispatch, err)
	}

	trackingID, err := r.oracle.RequestDecryption(ctx, [][]byte{transport}, selector)
	if err != nil {
		return 0, fmt.Errorf("%w:\n%w", ErrDispatch, err)
	}

	if _, mapped, err := r.Resolve(trackingID); err != nil {
		return 0, err
	} else if mapped {
		return 0, fmt.Errorf("%w: tracking id %d already mapped", ErrDispatch, trackingID)
	}

	var val [8]byte
	binary.BigEndian.PutUint64(val[:], requestID)
	batch.Set(correlationKey(trackingID), val[:])

	return trackingID, nil
}

// Resolve returns the request id for trackingID. ok is false for an unknown id.
func (r *Router) Resolve(trackingID uint64) (requestID uint64, ok bool, err error) {
	r.mu.RLock()
	id, hit := r.cache[trackingID]
	r.mu.RUnlock()

	if hit {
		return id, true, nil
	}

	data, err := r.db.Get(correlationKey(trackingID))
	if err != nil {
		return 0, false, fmt.Errorf("load correlation:\n%w", err)
	}

	if len(data) != 8 {
		return 0, false, nil
	}

	id = binary.BigEndian.Uint64(data)

	r.mu.Lock()
	r.cache[trackingID] = id
	r.mu.Unlock()

	return id, true, nil
}

// Each calls fn for every correlation entry in tracking id order.
func (r *Router) Each(fn func(trackingID, requestID uint64) error) error {
	return r.db.IteratePrefix(prefixCorrelation, func(key, value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("corrupt correlation entry")
		}

		return fn(binary.BigEndian.Uint64(key[len(prefixCorrelation):]), binary.BigEndian.Uint64(value))
	})
}

func correlationKey(trackingID uint64) []byte {
	key := make([]byte, len(prefixCorrelation)+8)
	copy(key, prefixCorrelation)
	binary.BigEndian.PutUint64(key[len(prefixCorrelation):], trackingID)
	return key
}
