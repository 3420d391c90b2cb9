package api

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"BlindMatch/internal/guard"
)

// Signed request headers.
const (
	HeaderSender    = "X-Sender"    // HeaderSender is the hex ed25519 public key
	HeaderTimestamp = "X-Timestamp" // HeaderTimestamp is unix milliseconds
	HeaderSignature = "X-Signature" // HeaderSignature is the hex ed25519 signature over Digest
)

const (
	// signatureSize is the expected size of an Ed25519 signature.
	signatureSize = ed25519.SignatureSize

	// signingDomain separates request signatures from any other use of the key.
	signingDomain = "blindmatch-api-v1"
)

// Authentication failures.
var (
	errMissingAuth = errors.New("missing signature headers")
	errBadAuth     = errors.New("malformed signature headers")
	errStale       = errors.New("request timestamp outside the accepted window")
	errBadSig      = errors.New("signature does not verify")
	errReplay      = errors.New("request already seen")
)

// Digest is the message a client signs: blake3 over the domain, sender, method,
// path, timestamp and body. Variable-length parts are length-prefixed.
func Digest(sender guard.Principal, method, path string, timestamp int64, body []byte) [32]byte {
	h := blake3.New()

	var buf [8]byte
	for _, part := range [][]byte{[]byte(signingDomain), sender[:], []byte(method), []byte(path)} {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(part)))
		h.Write(buf[:4])
		h.Write(part)
	}

	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])
	h.Write(body)

	var sum [32]byte
	h.Sum(sum[:0])

	return sum
}

// Sign sets the signature headers on r for body.
func Sign(r *http.Request, key ed25519.PrivateKey, body []byte, now time.Time) {
	var sender guard.Principal
	copy(sender[:], key.Public().(ed25519.PublicKey))

	ts := now.UnixMilli()
	digest := Digest(sender, r.Method, r.URL.Path, ts, body)

	r.Header.Set(HeaderSender, sender.Hex())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, hex.EncodeToString(ed25519.Sign(key, digest[:])))
}

// authenticate verifies the signature headers of r over body and returns the
// signer. A valid request is accepted once within the replay window.
func (s *Server) authenticate(r *http.Request, body []byte) (guard.Principal, error) {
	var caller guard.Principal

	sender := r.Header.Get(HeaderSender)
	stamp := r.Header.Get(HeaderTimestamp)
	sigHex := r.Header.Get(HeaderSignature)

	if sender == "" || stamp == "" || sigHex == "" {
		return caller, errMissingAuth
	}

	caller, err := guard.ParsePrincipal(sender)
	if err != nil {
		return caller, fmt.Errorf("%w: sender", errBadAuth)
	}

	ts, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return caller, fmt.Errorf("%w: timestamp", errBadAuth)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != signatureSize {
		return caller, fmt.Errorf("%w: signature", errBadAuth)
	}

	skew := s.now().Sub(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}

	if skew > s.replay.TTL()/2 {
		return caller, errStale
	}

	digest := Digest(caller, r.Method, r.URL.Path, ts, body)

	if !ed25519.Verify(ed25519.PublicKey(caller[:]), digest[:], sig) {
		return caller, errBadSig
	}

	if !s.replay.CheckHash(digest) {
		return caller, errReplay
	}

	return caller, nil
}
