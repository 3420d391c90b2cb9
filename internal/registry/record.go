package registry

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"BlindMatch/internal/fhe"
	"BlindMatch/internal/guard"
)

// Slots is the number of encrypted attributes per record.
const Slots = 6

// Attribute slot layout used by the scoring engine.
const (
	SlotGeneticA    = 0 // SlotGeneticA is the first genetic marker
	SlotGeneticB    = 1 // SlotGeneticB is the second genetic marker
	SlotGeneticC    = 2 // SlotGeneticC is the third genetic marker
	SlotHealthRisk  = 3 // SlotHealthRisk is the health risk score
	SlotTemperament = 4 // SlotTemperament is the temperament score
	SlotActivity    = 5 // SlotActivity is the activity level
)

// Public field bounds.
const (
	MaxNameLen  = 50
	MaxBreedLen = 50
	MaxCategory = 7
	MaxAge      = 30
)

// PublicFields is the cleartext part of a record.
type PublicFields struct {
	Name     string `json:"name"`     // Name is the display name (1..50 runes)
	Breed    string `json:"breed"`    // Breed is free text (0..50 runes)
	Category uint8  `json:"category"` // Category is a small enum in [0, 7]
	Age      uint8  `json:"age"`      // Age is in years, [0, 30]
}

// Validate checks the public field bounds.
func (f PublicFields) Validate() error {
	n := utf8.RuneCountInString(f.Name)
	if n < 1 || n > MaxNameLen {
		return fmt.Errorf("%w: name must be 1..%d characters, got %d", guard.ErrValidation, MaxNameLen, n)
	}

	if !utf8.ValidString(f.Name) || !utf8.ValidString(f.Breed) {
		return fmt.Errorf("%w: name and breed must be valid UTF-8", guard.ErrValidation)
	}

	if n := utf8.RuneCountInString(f.Breed); n > MaxBreedLen {
		return fmt.Errorf("%w: breed must be at most %d characters, got %d", guard.ErrValidation, MaxBreedLen, n)
	}

	if f.Category > MaxCategory {
		return fmt.Errorf("%w: category %d out of range [0, %d]", guard.ErrValidation, f.Category, MaxCategory)
	}

	if f.Age > MaxAge {
		return fmt.Errorf("%w: age %d out of range [0, %d]", guard.ErrValidation, f.Age, MaxAge)
	}

	return nil
}

// Record is a registered entity.
type Record struct {
	ID         uint64            // ID is assigned from 1 and never reused
	Owner      guard.Principal   // Owner is the registering principal
	Fields     PublicFields      // Fields is the cleartext metadata
	Attributes [Slots]fhe.Handle // Attributes are the encrypted attribute handles
	Available  bool              // Available gates new matching requests
	CreatedAt  time.Time         // CreatedAt is the registration time
}

// PublicView is what anyone may read about a record.
type PublicView struct {
	ID        uint64    `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Breed     string    `json:"breed"`
	Category  uint8     `json:"category"`
	Age       uint8     `json:"age"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"createdAt"`
}

// View returns the public projection of r.
func (r Record) View() PublicView {
	return PublicView{
		ID:        r.ID,
		Owner:     r.Owner.Hex(),
		Name:      r.Fields.Name,
		Breed:     r.Fields.Breed,
		Category:  r.Fields.Category,
		Age:       r.Fields.Age,
		Available: r.Available,
		CreatedAt: r.CreatedAt,
	}
}

// Binary layout:
// [8B id][32B owner][1B available][1B category][1B age][8B created unix nano]
// [6 x 32B handles][2B name len][name][2B breed len][breed]
const fixedSize = 8 + guard.PrincipalSize + 3 + 8 + Slots*fhe.HandleSize

// encodeRecord serializes r.
func encodeRecord(r Record) []byte {
	buf := make([]byte, fixedSize, fixedSize+4+len(r.Fields.Name)+len(r.Fields.Breed))

	binary.BigEndian.PutUint64(buf[0:8], r.ID)
	copy(buf[8:40], r.Owner[:])

	if r.Available {
		buf[40] = 1
	}

	buf[41] = r.Fields.Category
	buf[42] = r.Fields.Age
	binary.BigEndian.PutUint64(buf[43:51], uint64(r.CreatedAt.UnixNano()))

	off := 51
	for _, h := range r.Attributes {
		copy(buf[off:off+fhe.HandleSize], h[:])
		off += fhe.HandleSize
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Fields.Name)))
	buf = append(buf, r.Fields.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Fields.Breed)))
	buf = append(buf, r.Fields.Breed...)

	return buf
}

// DecodeRecord parses a record produced by encodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var r Record

	if len(data) < fixedSize+4 {
		return r, fmt.Errorf("record too short: %d bytes", len(data))
	}

	r.ID = binary.BigEndian.Uint64(data[0:8])
	copy(r.Owner[:], data[8:40])
	r.Available = data[40] == 1
	r.Fields.Category = data[41]
	r.Fields.Age = data[42]
	r.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(data[43:51]))).UTC()

	off := 51
	for i := range r.Attributes {
		copy(r.Attributes[i][:], data[off:off+fhe.HandleSize])
		off += fhe.HandleSize
	}

	name, off, err := readString(data, off)
	if err != nil {
		return r, fmt.Errorf("read name:\n%w", err)
	}

	breed, _, err := readString(data, off)
	if err != nil {
		return r, fmt.Errorf("read breed:\n%w", err)
	}

	r.Fields.Name = name
	r.Fields.Breed = breed

	return r, nil
}

// readString reads a 2-byte length-prefixed string at off.
func readString(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("missing length at offset %d", off)
	}

	n := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2

	if off+n > len(data) {
		return "", off, fmt.Errorf("string of %d bytes overruns buffer", n)
	}

	return string(data[off : off+n]), off + n, nil
}
