package fhe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"BlindMatch/internal/storage"
)

// Storage key prefixes for the local backend.
var (
	prefixCell = []byte("x:") // x:<handle> -> cell
	prefixACL  = []byte("y:") // y:<handle><principal> -> {1}
	keySeq     = []byte("m:fhe-seq")
)

// Sealed ciphertext layout: [1B version][1B width][16B nonce][8B masked][16B tag]
const (
	sealVersion   = 1
	nonceSize     = 16
	tagSize       = 16
	sealedSize    = 2 + nonceSize + 8 + tagSize
	cellSize      = 10
	flagDecrypted = 0x01
)

// cell is one encrypted value held by the local backend.
type cell struct {
	width       Width
	value       uint64
	decryptable bool
}

// Local is an insecure development backend. It keeps values in a handle table
// persisted in storage and accepts ciphertexts sealed with a shared key.
// It exists so the node runs end to end without the real primitive library.
type Local struct {
	db  *storage.Storage
	key [32]byte

	mu    sync.Mutex
	seq   uint64
	cells map[Handle]cell
}

// NewLocal opens the local backend with the given sealing key.
func NewLocal(db *storage.Storage, key [32]byte) (*Local, error) {
	seq, err := db.Uint64(keySeq)
	if err != nil {
		return nil, fmt.Errorf("load handle sequence:\n%w", err)
	}

	return &Local{
		db:    db,
		key:   key,
		seq:   seq,
		cells: make(map[Handle]cell),
	}, nil
}

// Seal encrypts v at width w under key. Clients use it to produce Import input.
func Seal(key [32]byte, v uint64, w Width) ([]byte, error) {
	if !w.Valid() {
		return nil, fmt.Errorf("invalid width %d", w)
	}

	if v > w.Max() {
		return nil, fmt.Errorf("value %d overflows %s", v, w)
	}

	out := make([]byte, sealedSize)
	out[0] = sealVersion
	out[1] = byte(w)

	nonce := out[2 : 2+nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce:\n%w", err)
	}

	masked := out[2+nonceSize : 2+nonceSize+8]
	binary.BigEndian.PutUint64(masked, v)
	xorKeystream(key, nonce, masked)

	copy(out[2+nonceSize+8:], sealTag(key, out[:2+nonceSize+8]))

	return out, nil
}

// open verifies and decrypts a sealed ciphertext.
func open(key [32]byte, ct []byte, w Width) (uint64, error) {
	if len(ct) != sealedSize || ct[0] != sealVersion {
		return 0, fmt.Errorf("%w: malformed", ErrBadCiphertext)
	}

	if Width(ct[1]) != w {
		return 0, fmt.Errorf("%w: sealed as %s, want %s", ErrBadCiphertext, Width(ct[1]), w)
	}

	body := ct[:2+nonceSize+8]
	expected := sealTag(key, body)

	var diff byte
	for i := 0; i < tagSize; i++ {
		diff |= expected[i] ^ ct[len(body)+i]
	}

	if diff != 0 {
		return 0, fmt.Errorf("%w: tag mismatch", ErrBadCiphertext)
	}

	masked := make([]byte, 8)
	copy(masked, body[2+nonceSize:])
	xorKeystream(key, body[2:2+nonceSize], masked)

	v := binary.BigEndian.Uint64(masked)
	if v > w.Max() {
		return 0, fmt.Errorf("%w: value overflows %s", ErrBadCiphertext, w)
	}

	return v, nil
}

// xorKeystream masks buf with BLAKE3-keyed output derived from nonce.
func xorKeystream(key [32]byte, nonce, buf []byte) {
	h, _ := blake3.NewKeyed(key[:])
	h.Write([]byte("blindmatch-seal-stream"))
	h.Write(nonce)

	stream := make([]byte, len(buf))
	_, _ = h.Digest().Read(stream)

	for i := range buf {
		buf[i] ^= stream[i]
	}
}

// sealTag authenticates the sealed header, nonce and masked value.
func sealTag(key [32]byte, body []byte) []byte {
	h, _ := blake3.NewKeyed(key[:])
	h.Write([]byte("blindmatch-seal-tag"))
	h.Write(body)

	return h.Sum(nil)[:tagSize]
}

// Import opens a sealed ciphertext and stores it under a fresh handle.
func (l *Local) Import(ciphertext []byte, w Width) (Handle, error) {
	v, err := open(l.key, ciphertext, w)
	if err != nil {
		return Handle{}, err
	}

	return l.put(cell{width: w, value: v})
}

// Constant stores a public value under a fresh handle.
func (l *Local) Constant(v uint64, w Width) (Handle, error) {
	if !w.Valid() {
		return Handle{}, fmt.Errorf("%w: invalid width %d", ErrWidthMismatch, w)
	}

	return l.put(cell{width: w, value: v & w.Max()})
}

// Add returns a+b modulo 2^width.
func (l *Local) Add(a, b Handle) (Handle, error) {
	return l.binary(a, b, func(x, y uint64) uint64 { return x + y })
}

// Sub returns a-b modulo 2^width.
func (l *Local) Sub(a, b Handle) (Handle, error) {
	return l.binary(a, b, func(x, y uint64) uint64 { return x - y })
}

// GE returns an encrypted Bool of a>=b.
func (l *Local) GE(a, b Handle) (Handle, error) {
	ca, cb, err := l.pair(a, b)
	if err != nil {
		return Handle{}, err
	}

	var v uint64
	if ca.value >= cb.value {
		v = 1
	}

	return l.put(cell{width: Bool, value: v})
}

// Select returns a copy of a if cond holds, else of b.
func (l *Local) Select(cond, a, b Handle) (Handle, error) {
	cc, err := l.get(cond)
	if err != nil {
		return Handle{}, err
	}

	if cc.width != Bool {
		return Handle{}, fmt.Errorf("%w: select condition is %s", ErrWidthMismatch, cc.width)
	}

	ca, cb, err := l.pair(a, b)
	if err != nil {
		return Handle{}, err
	}

	chosen := cb
	if cc.value == 1 {
		chosen = ca
	}

	return l.put(cell{width: chosen.width, value: chosen.value})
}

// Cast converts a to width w.
func (l *Local) Cast(a Handle, w Width) (Handle, error) {
	if !w.Valid() {
		return Handle{}, fmt.Errorf("%w: invalid width %d", ErrWidthMismatch, w)
	}

	ca, err := l.get(a)
	if err != nil {
		return Handle{}, err
	}

	return l.put(cell{width: w, value: ca.value & w.Max()})
}

// Allow records that principal may request decryption of h.
func (l *Local) Allow(h Handle, principal [32]byte) error {
	if _, err := l.get(h); err != nil {
		return err
	}

	return l.db.Set(aclKey(h, principal), []byte{1})
}

// Allowed reports whether principal was granted decryption of h.
func (l *Local) Allowed(h Handle, principal [32]byte) bool {
	ok, err := l.db.Has(aclKey(h, principal))
	return err == nil && ok
}

// AllowDecryption marks h as decryptable by the gateway.
func (l *Local) AllowDecryption(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.getLocked(h)
	if err != nil {
		return err
	}

	c.decryptable = true
	l.cells[h] = c

	return l.db.Set(cellKey(h), encodeCell(c))
}

// ToTransport returns h followed by its width tag.
func (l *Local) ToTransport(h Handle) ([]byte, error) {
	c, err := l.get(h)
	if err != nil {
		return nil, err
	}

	out := make([]byte, TransportSize)
	copy(out, h[:])
	out[HandleSize] = byte(c.width)

	return out, nil
}

// Drop removes h and every grant on it.
func (l *Local) Drop(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	batch.Delete(cellKey(h))

	prefix := append(append([]byte{}, prefixACL...), h[:]...)

	err := l.db.IteratePrefix(prefix, func(key, _ []byte) error {
		batch.Delete(append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		batch.Close()
		return fmt.Errorf("scan grants:\n%w", err)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("drop handle %s:\n%w", h, err)
	}

	delete(l.cells, h)

	return nil
}

// Decrypt reveals h. It is the gateway side of the boundary and refuses
// handles that were not marked decryptable.
func (l *Local) Decrypt(h Handle) (uint64, Width, error) {
	c, err := l.get(h)
	if err != nil {
		return 0, 0, err
	}

	if !c.decryptable {
		return 0, 0, fmt.Errorf("handle %s is not decryptable", h)
	}

	return c.value, c.width, nil
}

// binary applies op to two same-width operands.
func (l *Local) binary(a, b Handle, op func(x, y uint64) uint64) (Handle, error) {
	ca, cb, err := l.pair(a, b)
	if err != nil {
		return Handle{}, err
	}

	return l.put(cell{width: ca.width, value: op(ca.value, cb.value) & ca.width.Max()})
}

// pair loads two operands and checks they share a width.
func (l *Local) pair(a, b Handle) (cell, cell, error) {
	ca, err := l.get(a)
	if err != nil {
		return cell{}, cell{}, err
	}

	cb, err := l.get(b)
	if err != nil {
		return cell{}, cell{}, err
	}

	if ca.width != cb.width {
		return cell{}, cell{}, fmt.Errorf("%w: %s vs %s", ErrWidthMismatch, ca.width, cb.width)
	}

	return ca, cb, nil
}

// put stores c under the next handle.
func (l *Local) put(c cell) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], l.seq)

	h := Handle(blake3.Sum256(append(append([]byte("blindmatch-handle"), l.key[:]...), seqBuf[:]...)))

	if err := l.db.Set(cellKey(h), encodeCell(c)); err != nil {
		return Handle{}, fmt.Errorf("store handle:\n%w", err)
	}

	if err := l.db.Set(keySeq, seqBuf[:]); err != nil {
		return Handle{}, fmt.Errorf("store handle sequence:\n%w", err)
	}

	l.cells[h] = c

	return h, nil
}

// get loads a cell from cache or storage.
func (l *Local) get(h Handle) (cell, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.getLocked(h)
}

// getLocked loads a cell (caller must hold mu).
func (l *Local) getLocked(h Handle) (cell, error) {
	if c, ok := l.cells[h]; ok {
		return c, nil
	}

	data, err := l.db.Get(cellKey(h))
	if err != nil {
		return cell{}, fmt.Errorf("load handle:\n%w", err)
	}

	if len(data) != cellSize {
		return cell{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}

	c := decodeCell(data)
	l.cells[h] = c

	return c, nil
}

// encodeCell encodes width (1B) + value (8B BE) + flags (1B).
func encodeCell(c cell) []byte {
	buf := make([]byte, cellSize)
	buf[0] = byte(c.width)
	binary.BigEndian.PutUint64(buf[1:9], c.value)

	if c.decryptable {
		buf[9] = flagDecrypted
	}

	return buf
}

// decodeCell is the inverse of encodeCell.
func decodeCell(b []byte) cell {
	return cell{
		width:       Width(b[0]),
		value:       binary.BigEndian.Uint64(b[1:9]),
		decryptable: b[9]&flagDecrypted != 0,
	}
}

func cellKey(h Handle) []byte {
	key := make([]byte, len(prefixCell)+HandleSize)
	copy(key, prefixCell)
	copy(key[len(prefixCell):], h[:])
	return key
}

func aclKey(h Handle, principal [32]byte) []byte {
	key := make([]byte, len(prefixACL)+HandleSize+32)
	copy(key, prefixACL)
	copy(key[len(prefixACL):], h[:])
	copy(key[len(prefixACL)+HandleSize:], principal[:])
	return key
}
