// Package guard holds the error taxonomy and the authorization checks that every
// state-mutating entry point consults before touching storage.
package guard

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Error classes. Callers classify with errors.Is; messages wrap these with detail.
var (
	// ErrValidation is malformed input. Safe to retry with corrected input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is an unknown record, request or tracking id.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized is the wrong principal for an owner-gated action.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidProof is a decryption callback whose proof does not verify.
	ErrInvalidProof = errors.New("invalid proof")

	// ErrStateConflict is a request that is not in the state the operation needs.
	ErrStateConflict = errors.New("state conflict")

	// ErrPaused is a mutating call while the engine is paused.
	ErrPaused = errors.New("paused")

	// ErrTransferFailure is a failed fund movement. The operation was rolled back.
	ErrTransferFailure = errors.New("transfer failure")
)

// PrincipalSize is the size of a principal identifier (an ed25519 public key).
const PrincipalSize = 32

// Principal identifies a caller.
type Principal [PrincipalSize]byte

// String returns a short hex form for logs.
func (p Principal) String() string {
	return hex.EncodeToString(p[:8])
}

// Hex returns the full hex encoding.
func (p Principal) Hex() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is unset.
func (p Principal) IsZero() bool {
	return p == Principal{}
}

// ParsePrincipal decodes a 64-character hex principal.
func ParsePrincipal(s string) (Principal, error) {
	var p Principal

	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("%w: principal is not hex", ErrValidation)
	}

	if len(raw) != PrincipalSize {
		return p, fmt.Errorf("%w: principal must be %d bytes, got %d", ErrValidation, PrincipalSize, len(raw))
	}

	copy(p[:], raw)

	return p, nil
}

// PauseState reports the process-wide pause flag.
type PauseState interface {
	Paused() bool
}

// RequireOwner fails unless caller is the owning principal.
func RequireOwner(owner, caller Principal) error {
	if owner.IsZero() || caller != owner {
		return fmt.Errorf("%w: caller %s is not the owner", ErrNotAuthorized, caller)
	}

	return nil
}

// RequireRecordOwner fails unless caller owns the record.
func RequireRecordOwner(recordOwner, caller Principal, recordID uint64) error {
	if caller != recordOwner {
		return fmt.Errorf("%w: caller %s does not own record %d", ErrNotAuthorized, caller, recordID)
	}

	return nil
}

// RequireNotPaused fails while the pause flag is set.
func RequireNotPaused(p PauseState) error {
	if p.Paused() {
		return ErrPaused
	}

	return nil
}

// RequireExists fails unless id was assigned (ids run from 1 to lastID) and the
// store found it.
func RequireExists(kind string, id, lastID uint64, found bool) error {
	if id == 0 || id > lastID || !found {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}

	return nil
}
