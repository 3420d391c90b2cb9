package gateway

import (
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"BlindMatch/internal/guard"
)

const (
	// QuorumPercent is the share of committee members that must sign a result.
	QuorumPercent = 67

	// proofDomain separates decryption proofs from other signed messages.
	proofDomain = "blindmatch-decryption-v1"
)

// ProofMessage returns the message committee members sign for a result:
// BLAKE3(domain || trackingID || cleartext).
func ProofMessage(trackingID uint64, cleartext []byte) []byte {
	h := blake3.New()
	h.Write([]byte(proofDomain))

	var tid [8]byte
	binary.BigEndian.PutUint64(tid[:], trackingID)
	h.Write(tid[:])
	h.Write(cleartext)

	return h.Sum(nil)
}

// Committee is the set of decryption committee public keys a proof is checked
// against.
type Committee struct {
	keys   []*blst.P1Affine // keys are the members' public keys in index order
	quorum int              // quorum is the minimum number of signers
}

// NewCommittee builds a committee from compressed public keys.
func NewCommittee(publicKeys [][]byte) (*Committee, error) {
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("committee needs at least one member")
	}

	c := &Committee{keys: make([]*blst.P1Affine, len(publicKeys))}

	for i, raw := range publicKeys {
		if len(raw) != PublicKeySize {
			return nil, fmt.Errorf("member %d: public key must be %d bytes, got %d", i, PublicKeySize, len(raw))
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil || !pk.KeyValidate() {
			return nil, fmt.Errorf("member %d: invalid public key", i)
		}

		c.keys[i] = pk
	}

	c.quorum = quorumSize(len(publicKeys))

	return c, nil
}

// Size returns the number of members.
func (c *Committee) Size() int {
	return len(c.keys)
}

// Quorum returns the minimum number of signers.
func (c *Committee) Quorum() int {
	return c.quorum
}

// Verify checks that proof carries a quorum signature over the result.
// Every failure wraps guard.ErrInvalidProof.
func (c *Committee) Verify(trackingID uint64, cleartext, proof []byte) error {
	bitmapLen := (len(c.keys) + 7) / 8

	if len(proof) != bitmapLen+SignatureSize {
		return fmt.Errorf("%w: proof must be %d bytes, got %d", guard.ErrInvalidProof, bitmapLen+SignatureSize, len(proof))
	}

	indices := parseBitmap(proof[:bitmapLen])

	signers := make([]*blst.P1Affine, 0, len(indices))
	for _, idx := range indices {
		if idx >= len(c.keys) {
			return fmt.Errorf("%w: signer index %d out of range", guard.ErrInvalidProof, idx)
		}

		signers = append(signers, c.keys[idx])
	}

	if len(signers) < c.quorum {
		return fmt.Errorf("%w: %d signers, need %d", guard.ErrInvalidProof, len(signers), c.quorum)
	}

	if !verifyAggregate(proof[bitmapLen:], ProofMessage(trackingID, cleartext), signers) {
		return fmt.Errorf("%w: signature does not verify", guard.ErrInvalidProof)
	}

	return nil
}

// Signers is a committee whose secret keys are held locally, used by the
// development gateway and tests.
type Signers struct {
	keys []*KeyPair // keys are the members in index order
}

// NewSigners wraps member key pairs.
func NewSigners(keys []*KeyPair) *Signers {
	return &Signers{keys: keys}
}

// Committee returns the public side.
func (s *Signers) Committee() (*Committee, error) {
	pubs := make([][]byte, len(s.keys))
	for i, k := range s.keys {
		pubs[i] = k.PublicKey()
	}

	return NewCommittee(pubs)
}

// Prove signs the result with the members at indices and returns the proof.
// A nil indices signs with every member.
func (s *Signers) Prove(trackingID uint64, cleartext []byte, indices []int) ([]byte, error) {
	if indices == nil {
		indices = make([]int, len(s.keys))
		for i := range indices {
			indices[i] = i
		}
	}

	msg := ProofMessage(trackingID, cleartext)

	sigs := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.keys) {
			return nil, fmt.Errorf("signer index %d out of range", idx)
		}

		sigs = append(sigs, s.keys[idx].Sign(msg))
	}

	agg, err := Aggregate(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate:\n%w", err)
	}

	return append(buildBitmap(indices, len(s.keys)), agg...), nil
}

// quorumSize returns ceil(n * QuorumPercent / 100).
func quorumSize(n int) int {
	return (n*QuorumPercent + 99) / 100
}
