// Package scoring computes the encrypted compatibility score of two records.
//
// All arithmetic runs on engine handles. Per-slot work happens at the narrow width
// and is cast to the wide width before summing, so the total cannot wrap:
// the largest total is 5*255 = 1275.
package scoring

import (
	"encoding/binary"
	"fmt"

	"BlindMatch/internal/fhe"
	"BlindMatch/internal/registry"
)

// MaxRaw is the score used as the normalization scale.
const MaxRaw = 1000

// MaxScore is the upper bound of a normalized score.
const MaxScore = 100

// closenessBase is subtracted from to turn a distance into a closeness.
const closenessBase = 255

var (
	diversitySlots = []int{registry.SlotGeneticA, registry.SlotGeneticB, registry.SlotGeneticC}
	closenessSlots = []int{registry.SlotTemperament, registry.SlotActivity}
)

// Score returns an encrypted Uint32 handle of diversity + closeness - penalty,
// saturating at zero. a and b are attribute vectors of Uint8 handles.
func Score(e fhe.Engine, a, b [registry.Slots]fhe.Handle) (fhe.Handle, error) {
	s := scorer{e: e}

	zero := s.constant(0, fhe.Uint32)

	diversity := zero
	for _, i := range diversitySlots {
		d := s.widen(s.absDiff(a[i], b[i]))
		diversity = s.add(diversity, d)
	}

	base := s.constant(closenessBase, fhe.Uint32)

	closeness := zero
	for _, i := range closenessSlots {
		d := s.widen(s.absDiff(a[i], b[i]))
		closeness = s.add(closeness, s.sub(base, d))
	}

	penalty := s.add(s.widen(a[registry.SlotHealthRisk]), s.widen(b[registry.SlotHealthRisk]))

	total := s.add(diversity, closeness)
	covered := s.ge(total, penalty)
	result := s.sel(covered, s.sub(total, penalty), zero)

	if s.err != nil {
		return fhe.Handle{}, fmt.Errorf("compute score:\n%w", s.err)
	}

	return result, nil
}

// Normalize maps a raw cleartext score to [0, 100]: min(100, raw*100/1000).
func Normalize(raw uint64) uint8 {
	if raw >= MaxRaw {
		return MaxScore
	}

	return uint8(raw * MaxScore / MaxRaw)
}

// DecodeCleartext reads a 32-byte big-endian word into a raw score.
// Values wider than 64 bits saturate; the result only feeds Normalize.
func DecodeCleartext(b []byte) (uint64, error) {
	if len(b) != 32 {
		return 0, fmt.Errorf("cleartext must be 32 bytes, got %d", len(b))
	}

	for _, x := range b[:24] {
		if x != 0 {
			return ^uint64(0), nil
		}
	}

	return binary.BigEndian.Uint64(b[24:]), nil
}

// EncodeCleartext writes raw as a 32-byte big-endian word.
func EncodeCleartext(raw uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], raw)
	return out
}

// scorer threads the first engine error through a chain of operations.
type scorer struct {
	e   fhe.Engine
	err error
}

func (s *scorer) do(fn func() (fhe.Handle, error)) fhe.Handle {
	if s.err != nil {
		return fhe.Handle{}
	}

	h, err := fn()
	if err != nil {
		s.err = err
	}

	return h
}

func (s *scorer) constant(v uint64, w fhe.Width) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.Constant(v, w) })
}

func (s *scorer) add(a, b fhe.Handle) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.Add(a, b) })
}

func (s *scorer) sub(a, b fhe.Handle) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.Sub(a, b) })
}

func (s *scorer) ge(a, b fhe.Handle) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.GE(a, b) })
}

func (s *scorer) sel(c, a, b fhe.Handle) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.Select(c, a, b) })
}

func (s *scorer) widen(a fhe.Handle) fhe.Handle {
	return s.do(func() (fhe.Handle, error) { return s.e.Cast(a, fhe.Uint32) })
}

// absDiff is select(a>=b, a-b, b-a) at the operands' width.
func (s *scorer) absDiff(a, b fhe.Handle) fhe.Handle {
	return s.sel(s.ge(a, b), s.sub(a, b), s.sub(b, a))
}
