// Package fhe is the boundary with the homomorphic primitive library.
//
// The core only ever holds opaque Handles and combines them through Engine.
// No decrypt primitive is reachable from Engine; decryption happens out of band
// in the gateway.
package fhe

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// HandleSize is the size of an encrypted value handle.
const HandleSize = 32

// TransportSize is the size of a handle in transport form (handle + width tag).
const TransportSize = HandleSize + 1

var (
	// ErrUnknownHandle is returned for a handle the engine never issued.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrWidthMismatch is returned when operands have incompatible widths.
	ErrWidthMismatch = errors.New("width mismatch")

	// ErrBadCiphertext is returned when an imported ciphertext fails to open.
	ErrBadCiphertext = errors.New("bad ciphertext")
)

// Handle references an encrypted integer held by the engine.
type Handle [HandleSize]byte

// String returns a short hex form for logs.
func (h Handle) String() string {
	return hex.EncodeToString(h[:6])
}

// IsZero reports whether h is unset.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Width is the bit width of an encrypted integer.
type Width uint8

const (
	Bool   Width = 1  // Bool is the result type of comparisons
	Uint8  Width = 8  // Uint8 is the narrow type used for attributes
	Uint32 Width = 32 // Uint32 is the wide type used for summed scores
)

// Valid reports whether w is a supported width.
func (w Width) Valid() bool {
	return w == Bool || w == Uint8 || w == Uint32
}

// Max returns the largest value representable at w.
func (w Width) Max() uint64 {
	return 1<<uint(w) - 1
}

func (w Width) String() string {
	switch w {
	case Bool:
		return "ebool"
	case Uint8:
		return "euint8"
	case Uint32:
		return "euint32"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// Engine is the homomorphic primitive library.
// Arithmetic wraps modulo 2^width, as unsigned encrypted integers do.
type Engine interface {
	// Import ingests a client ciphertext of width w and returns its handle.
	Import(ciphertext []byte, w Width) (Handle, error)

	// Constant encrypts a public constant.
	Constant(v uint64, w Width) (Handle, error)

	// Add returns a+b. Both operands must share a width.
	Add(a, b Handle) (Handle, error)

	// Sub returns a-b. Both operands must share a width.
	Sub(a, b Handle) (Handle, error)

	// GE returns an encrypted Bool of a>=b.
	GE(a, b Handle) (Handle, error)

	// Select returns a if cond is true, else b, without revealing cond.
	Select(cond, a, b Handle) (Handle, error)

	// Cast converts a to width w (truncating when narrowing).
	Cast(a Handle, w Width) (Handle, error)

	// Allow grants principal the right to request decryption of h.
	Allow(h Handle, principal [32]byte) error

	// AllowDecryption marks h as decryptable by the gateway.
	AllowDecryption(h Handle) error

	// ToTransport encodes h for a decryption request.
	ToTransport(h Handle) ([]byte, error)

	// Drop discards h and its grants. Only handles no committed state
	// references may be dropped.
	Drop(h Handle) error
}

// ParseTransport splits a transport-encoded handle.
func ParseTransport(b []byte) (Handle, Width, error) {
	var h Handle

	if len(b) != TransportSize {
		return h, 0, fmt.Errorf("transport handle must be %d bytes, got %d", TransportSize, len(b))
	}

	copy(h[:], b[:HandleSize])
	w := Width(b[HandleSize])

	if !w.Valid() {
		return h, 0, fmt.Errorf("invalid width %d", b[HandleSize])
	}

	return h, w, nil
}
