package matching

import (
	"encoding/binary"
	"fmt"
	"time"

	"BlindMatch/internal/fhe"
	"BlindMatch/internal/guard"
)

// State is the lifecycle state of a request.
type State uint8

const (
	Active    State = 1 // Active awaits a callback or a timeout claim
	Completed State = 2 // Completed received its score (fee retained or refunded below threshold)
	Refunded  State = 3 // Refunded timed out and was refunded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Refunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == Completed || s == Refunded
}

// Disposition is what happened to the fee.
type Disposition uint8

const (
	Pending                Disposition = 0 // Pending is held while Active
	Retained               Disposition = 1 // Retained was earned by a passing score
	RefundedBelowThreshold Disposition = 2 // RefundedBelowThreshold was returned after a low score
	RefundedTimeout        Disposition = 3 // RefundedTimeout was returned after a timeout claim
)

func (d Disposition) String() string {
	switch d {
	case Pending:
		return "pending"
	case Retained:
		return "retained"
	case RefundedBelowThreshold:
		return "refunded_below_threshold"
	case RefundedTimeout:
		return "refunded_timeout"
	default:
		return fmt.Sprintf("disposition(%d)", uint8(d))
	}
}

// Request is a matching request.
type Request struct {
	ID          uint64          // ID is assigned from 1 and never reused
	RecordA     uint64          // RecordA is the first record
	RecordB     uint64          // RecordB is the second record
	Requester   guard.Principal // Requester paid the fee
	PaidFee     uint64          // PaidFee is refunded or retained in full
	ScoreHandle fhe.Handle      // ScoreHandle is the encrypted score
	TrackingID  uint64          // TrackingID is the oracle correlation id
	Threshold   uint8           // Threshold is captured at creation
	CreatedAt   time.Time       // CreatedAt is the creation time
	Deadline    time.Time       // Deadline is the last instant a callback is accepted
	State       State           // State is the lifecycle state
	Disposition Disposition     // Disposition is the fee outcome
	Score       uint8           // Score is the normalized score, valid once Completed
	SettledAt   time.Time       // SettledAt is the terminal transition time
}

// View is the JSON form of a request.
type View struct {
	ID          uint64    `json:"id"`
	RecordA     uint64    `json:"recordA"`
	RecordB     uint64    `json:"recordB"`
	Requester   string    `json:"requester"`
	PaidFee     uint64    `json:"paidFee"`
	TrackingID  uint64    `json:"trackingId"`
	Threshold   uint8     `json:"threshold"`
	CreatedAt   time.Time `json:"createdAt"`
	Deadline    time.Time `json:"deadline"`
	State       string    `json:"state"`
	Disposition string    `json:"disposition"`
	Score       *uint8    `json:"score,omitempty"`
	SettledAt   time.Time `json:"settledAt,omitzero"`
}

// View returns the JSON projection of r. The score is only shown once Completed.
func (r Request) View() View {
	v := View{
		ID:          r.ID,
		RecordA:     r.RecordA,
		RecordB:     r.RecordB,
		Requester:   r.Requester.Hex(),
		PaidFee:     r.PaidFee,
		TrackingID:  r.TrackingID,
		Threshold:   r.Threshold,
		CreatedAt:   r.CreatedAt,
		Deadline:    r.Deadline,
		State:       r.State.String(),
		Disposition: r.Disposition.String(),
		SettledAt:   r.SettledAt,
	}

	if r.State == Completed {
		score := r.Score
		v.Score = &score
	}

	return v
}

// Binary layout:
// [8B id][8B recordA][8B recordB][32B requester][8B fee][32B handle][8B tracking]
// [1B threshold][8B created][8B deadline][1B state][1B disposition][1B score][8B settled]
const requestSize = 8*3 + guard.PrincipalSize + 8 + fhe.HandleSize + 8 + 1 + 8*2 + 3 + 8

// EncodeRequest serializes r.
func EncodeRequest(r Request) []byte {
	buf := make([]byte, 0, requestSize)

	buf = binary.BigEndian.AppendUint64(buf, r.ID)
	buf = binary.BigEndian.AppendUint64(buf, r.RecordA)
	buf = binary.BigEndian.AppendUint64(buf, r.RecordB)
	buf = append(buf, r.Requester[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.PaidFee)
	buf = append(buf, r.ScoreHandle[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.TrackingID)
	buf = append(buf, r.Threshold)
	buf = binary.BigEndian.AppendUint64(buf, unixNano(r.CreatedAt))
	buf = binary.BigEndian.AppendUint64(buf, unixNano(r.Deadline))
	buf = append(buf, byte(r.State), byte(r.Disposition), r.Score)
	buf = binary.BigEndian.AppendUint64(buf, unixNano(r.SettledAt))

	return buf
}

// DecodeRequest deserializes a request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request

	if len(data) != requestSize {
		return r, fmt.Errorf("request must be %d bytes, got %d", requestSize, len(data))
	}

	off := 0
	u64 := func() uint64 {
		v := binary.BigEndian.Uint64(data[off:])
		off += 8
		return v
	}

	r.ID = u64()
	r.RecordA = u64()
	r.RecordB = u64()
	off += copy(r.Requester[:], data[off:])
	r.PaidFee = u64()
	off += copy(r.ScoreHandle[:], data[off:])
	r.TrackingID = u64()
	r.Threshold = data[off]
	off++
	r.CreatedAt = fromUnixNano(u64())
	r.Deadline = fromUnixNano(u64())
	r.State = State(data[off])
	r.Disposition = Disposition(data[off+1])
	r.Score = data[off+2]
	off += 3
	r.SettledAt = fromUnixNano(u64())

	if r.State < Active || r.State > Refunded {
		return r, fmt.Errorf("invalid state %d", r.State)
	}

	if r.Disposition > RefundedTimeout {
		return r, fmt.Errorf("invalid disposition %d", r.Disposition)
	}

	return r, nil
}

func unixNano(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixNano())
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}

	return time.Unix(0, int64(v)).UTC()
}
