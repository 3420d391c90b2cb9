// Package events is the externally observable log of state changes.
// Every successful transition emits exactly one event per kind; failed calls emit nothing.
package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"BlindMatch/internal/guard"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/storage"
)

// Kind names an event.
type Kind string

const (
	Registered           Kind = "registered"
	ProfileUpdated       Kind = "profile_updated"
	AvailabilityChanged  Kind = "availability_changed"
	MatchRequested       Kind = "match_requested"
	DecryptionDispatched Kind = "decryption_dispatched"
	MatchCompleted       Kind = "match_completed"
	Refunded             Kind = "refunded"
	TimeoutTriggered     Kind = "timeout_triggered"
	FeesWithdrawn        Kind = "fees_withdrawn"
	PauseToggled         Kind = "pause_toggled"
	ConfigChanged        Kind = "config_changed"
)

// Refund reasons.
const (
	ReasonBelowThreshold = "score below threshold"
	ReasonTimeout        = "callback timeout"
)

// Event is one state change. Only the fields relevant to Kind are set.
type Event struct {
	Seq        uint64          `json:"seq"`                   // Seq is assigned by the journal
	Kind       Kind            `json:"kind"`                  // Kind names the transition
	At         time.Time       `json:"at"`                    // At is the transition time
	RecordID   uint64          `json:"recordId,omitempty"`    // RecordID is the affected record
	RequestID  uint64          `json:"requestId,omitempty"`   // RequestID is the affected request
	Principal  guard.Principal `json:"-"`                     // Principal is the actor or recipient
	Amount     uint64          `json:"amount,omitempty"`      // Amount is a fee moved
	Score      uint8           `json:"score,omitempty"`       // Score is the normalized score
	Success    bool            `json:"success,omitempty"`     // Success is set on a retained match
	Available  bool            `json:"available,omitempty"`   // Available is the new availability
	Paused     bool            `json:"paused,omitempty"`      // Paused is the new pause flag
	Reason     string          `json:"reason,omitempty"`      // Reason explains a refund
	Deadline   time.Time       `json:"deadline,omitzero"`     // Deadline is the callback deadline
	TrackingID uint64          `json:"trackingId,omitempty"`  // TrackingID is the oracle correlation id
	Setting    string          `json:"setting,omitempty"`     // Setting names a changed config value
	Value      string          `json:"value,omitempty"`       // Value is the new config value
	Actor      string          `json:"principal,omitempty"`   // Actor is the hex principal, filled on encode
}

// Emitter stages events into the batch that commits the transition they
// describe. The returned done must be called with the commit result; the
// events exist only if that result is nil.
type Emitter interface {
	Stage(batch *storage.Batch, evs ...Event) (done func(error))
}

// Commit stages evs in batch, commits it and reports the result to e.
func Commit(e Emitter, batch *storage.Batch, evs ...Event) error {
	done := e.Stage(batch, evs...)
	err := batch.Commit()
	done(err)

	return err
}

// prefixEvent is the journal key prefix: e:<seq BE> -> JSON event.
var (
	prefixEvent = []byte("e:")
	keyEventSeq = []byte("m:event-seq")
)

// Journal persists events in sequence and logs each one.
type Journal struct {
	db  *storage.Storage
	log *slog.Logger

	// mu is held from Stage until done, so at most one batch carries
	// unconfirmed sequence numbers.
	mu  sync.Mutex
	seq uint64
}

// NewJournal opens the journal, resuming the sequence from storage.
func NewJournal(db *storage.Storage) (*Journal, error) {
	seq, err := db.Uint64(keyEventSeq)
	if err != nil {
		return nil, fmt.Errorf("load event sequence:\n%w", err)
	}

	return &Journal{db: db, log: logger.With("component", "events"), seq: seq}, nil
}

// Stage assigns the next sequence numbers to evs and writes them to batch.
// The sequence advances only when done reports a successful commit.
func (j *Journal) Stage(batch *storage.Batch, evs ...Event) func(error) {
	if len(evs) == 0 {
		return func(error) {}
	}

	j.mu.Lock()

	staged := make([]Event, len(evs))
	seq := j.seq

	for i, e := range evs {
		seq++
		e.Seq = seq

		data, err := json.Marshal(withActor(e))
		if err != nil {
			batch.Fail(fmt.Errorf("encode %s event:\n%w", e.Kind, err))
			break
		}

		batch.Set(eventKey(seq), data)
		staged[i] = e
	}

	batch.PutUint64(keyEventSeq, seq)

	return func(err error) {
		defer j.mu.Unlock()

		if err != nil {
			j.log.Warn("events dropped with their batch", "count", len(staged), "error", err)
			return
		}

		j.seq = seq

		for _, e := range staged {
			j.log.Info(string(e.Kind), "seq", e.Seq, "record", e.RecordID, "request", e.RequestID, "amount", e.Amount)
		}
	}
}

// List returns up to limit events with Seq > after, in order.
func (j *Journal) List(after uint64, limit int) ([]Event, error) {
	var out []Event

	err := j.db.IteratePrefix(prefixEvent, func(key, value []byte) error {
		if len(out) >= limit {
			return errStop
		}

		if binary.BigEndian.Uint64(key[len(prefixEvent):]) <= after {
			return nil
		}

		var e Event
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode event:\n%w", err)
		}

		out = append(out, restorePrincipal(e))

		return nil
	})

	if err != nil && err != errStop {
		return nil, err
	}

	return out, nil
}

// Last returns the last assigned sequence number.
func (j *Journal) Last() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.seq
}

var errStop = errors.New("stop iteration")

// EncodeList encodes evs with their principals, for events held in storage
// until a later commit stages them.
func EncodeList(evs []Event) ([]byte, error) {
	out := make([]Event, len(evs))
	for i, e := range evs {
		out[i] = withActor(e)
	}

	return json.Marshal(out)
}

// DecodeList is the inverse of EncodeList.
func DecodeList(b []byte) ([]Event, error) {
	var evs []Event
	if err := json.Unmarshal(b, &evs); err != nil {
		return nil, fmt.Errorf("decode events:\n%w", err)
	}

	for i := range evs {
		evs[i] = restorePrincipal(evs[i])
	}

	return evs, nil
}

func withActor(e Event) Event {
	if !e.Principal.IsZero() {
		e.Actor = e.Principal.Hex()
	}
	return e
}

func restorePrincipal(e Event) Event {
	if e.Actor != "" {
		if p, err := guard.ParsePrincipal(e.Actor); err == nil {
			e.Principal = p
		}
	}
	return e
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], seq)
	return key
}

// Recorder is an in-memory Emitter for tests. Staged events are kept only
// when their batch commits.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Stage holds evs until done reports the commit result.
func (r *Recorder) Stage(_ *storage.Batch, evs ...Event) func(error) {
	return func(err error) {
		if err != nil {
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for _, e := range evs {
			e.Seq = uint64(len(r.events) + 1)
			r.events = append(r.events, e)
		}
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}

	return n
}

// Find returns the events of kind.
func (r *Recorder) Find(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

// Discard drops every event.
type Discard struct{}

// Stage does nothing.
func (Discard) Stage(*storage.Batch, ...Event) func(error) { return func(error) {} }
