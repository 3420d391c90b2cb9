package gateway

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature.
	SignatureSize = 96
)

// blsDST is the domain separation tag for committee signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair is one committee member's BLS key.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// GenerateKey creates a key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a key pair from a seed of at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{secret: secret, public: new(blst.P1Affine).From(secret)}, nil
}

// DeriveCommittee derives n member keys from one seed:
// member i uses BLAKE3("blindmatch-committee" || seed || i).
func DeriveCommittee(seed []byte, n int) ([]*KeyPair, error) {
	keys := make([]*KeyPair, n)

	for i := range keys {
		h := blake3.New()
		h.Write([]byte("blindmatch-committee"))
		h.Write(seed)

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])

		k, err := KeyFromSeed(h.Sum(nil))
		if err != nil {
			return nil, fmt.Errorf("derive member %d:\n%w", i, err)
		}

		keys[i] = k
	}

	return keys, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Verify checks a single signature.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// Aggregate combines signatures over the same message.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		if sigs[i] = new(blst.P2Affine).Uncompress(raw); sigs[i] == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// verifyAggregate checks an aggregated signature over one message against the
// signers' public keys.
func verifyAggregate(signature, message []byte, publicKeys []*blst.P1Affine) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(publicKeys, false) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), false, message, blsDST)
}

// buildBitmap sets bit i for each signer index below total.
func buildBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// parseBitmap returns the set bit indices in ascending order.
func parseBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
