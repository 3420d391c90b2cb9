// Package snapshot exports a self-checking audit dump of the settlement state:
// records, requests, correlation entries and ledger totals, taken from one
// consistent storage view, checksummed with blake3 and compressed with zstd.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"BlindMatch/internal/ledger"
	"BlindMatch/internal/matching"
	"BlindMatch/internal/registry"
	"BlindMatch/internal/storage"
	"BlindMatch/internal/types"
)

// Version is the current snapshot format version.
const Version = 1

// ErrCorrupt is a snapshot that fails to decode or verify.
var ErrCorrupt = errors.New("corrupt snapshot")

// Storage key prefixes exported into a snapshot.
var (
	prefixRecord      = []byte("a:")
	prefixRequest     = []byte("q:")
	prefixCorrelation = []byte("c:")
	keyTotals         = []byte("l:totals")
)

// entry is one copied storage pair.
type entry struct {
	key   []byte
	value []byte
}

// Audit is a decoded snapshot.
type Audit struct {
	Version     uint32             // Version is the format version
	CreatedAt   time.Time          // CreatedAt is when the view was taken
	Records     []registry.Record  // Records are in id order
	Requests    []matching.Request // Requests are in id order
	Correlation map[uint64]uint64  // Correlation maps tracking id to request id
	Totals      ledger.Totals      // Totals is the ledger accounting
}

// Export takes a consistent view of db and returns the compressed snapshot.
func Export(db *storage.Storage, at time.Time) ([]byte, error) {
	view := db.View()
	defer view.Close()

	entries, err := collect(view)
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	return Compress(build(at.UnixNano(), entries))
}

// collect copies every exported pair out of the view.
func collect(view *storage.View) ([]entry, error) {
	var entries []entry

	copyPair := func(key, value []byte) error {
		entries = append(entries, entry{
			key:   bytes.Clone(key),
			value: bytes.Clone(value),
		})
		return nil
	}

	for _, prefix := range [][]byte{prefixRecord, prefixRequest, prefixCorrelation} {
		if err := view.IteratePrefix(prefix, copyPair); err != nil {
			return nil, err
		}
	}

	totals, err := view.Get(keyTotals)
	if err != nil {
		return nil, err
	}

	if totals != nil {
		entries = append(entries, entry{key: bytes.Clone(keyTotals), value: totals})
	}

	return entries, nil
}

// build creates the FlatBuffers snapshot with checksum.
func build(at int64, entries []entry) []byte {
	sortEntries(entries)

	sum := checksum(Version, at, entries)

	builder := flatbuffers.NewBuilder(1024)

	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i, e := range entries {
		keyOffset := builder.CreateByteVector(e.key)
		valueOffset := builder.CreateByteVector(e.value)

		types.SnapshotEntryStart(builder)
		types.SnapshotEntryAddKey(builder, keyOffset)
		types.SnapshotEntryAddValue(builder, valueOffset)
		offsets[i] = types.SnapshotEntryEnd(builder)
	}

	types.SnapshotStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesVector := builder.EndVector(len(offsets))

	checksumOffset := builder.CreateByteVector(sum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, Version)
	types.SnapshotAddCreatedAt(builder, at)
	types.SnapshotAddEntries(builder, entriesVector)
	types.SnapshotAddChecksum(builder, checksumOffset)
	types.FinishSnapshotBuffer(builder, types.SnapshotEnd(builder))

	return builder.FinishedBytes()
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
}

// checksum is blake3 over version (4) + created at (8) + each entry as
// u32 key length, key, u32 value length, value. Entries must be sorted.
func checksum(version uint32, at int64, entries []entry) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], uint64(at))
	hasher.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.key)))
		hasher.Write(buf[:4])
		hasher.Write(e.key)

		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.value)))
		hasher.Write(buf[:4])
		hasher.Write(e.value)
	}

	var sum [32]byte
	hasher.Sum(sum[:0])

	return sum
}

// Compress compresses snapshot data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed snapshot data.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// Decode decompresses, verifies and parses a snapshot produced by Export.
func Decode(compressed []byte) (*Audit, error) {
	data, err := Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}

	version, at, entries, sum, err := parse(data)
	if err != nil {
		return nil, err
	}

	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}

	want := checksum(version, at, entries)
	if !bytes.Equal(want[:], sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	a := &Audit{
		Version:     version,
		CreatedAt:   time.Unix(0, at).UTC(),
		Correlation: make(map[uint64]uint64),
	}

	for _, e := range entries {
		if err := a.add(e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	return a, nil
}

// parse reads the FlatBuffers envelope. Entry bytes are copied out of data.
func parse(data []byte) (version uint32, at int64, entries []entry, sum []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed envelope: %v", ErrCorrupt, r)
		}
	}()

	if len(data) < 8 {
		return 0, 0, nil, nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}

	snap := types.GetRootAsSnapshot(data, 0)

	sum = bytes.Clone(snap.ChecksumBytes())
	if len(sum) != 32 {
		return 0, 0, nil, nil, fmt.Errorf("%w: checksum length %d", ErrCorrupt, len(sum))
	}

	entries = make([]entry, snap.EntriesLength())

	var e types.SnapshotEntry
	for i := range entries {
		if !snap.Entries(&e, i) {
			return 0, 0, nil, nil, fmt.Errorf("%w: read entry %d", ErrCorrupt, i)
		}

		entries[i] = entry{key: bytes.Clone(e.KeyBytes()), value: bytes.Clone(e.ValueBytes())}
	}

	return snap.Version(), snap.CreatedAt(), entries, sum, nil
}

// add decodes one entry into the audit by key prefix.
func (a *Audit) add(e entry) error {
	switch {
	case bytes.HasPrefix(e.key, prefixRecord):
		r, err := registry.DecodeRecord(e.value)
		if err != nil {
			return fmt.Errorf("record %x: %v", e.key, err)
		}
		a.Records = append(a.Records, r)

	case bytes.HasPrefix(e.key, prefixRequest):
		r, err := matching.DecodeRequest(e.value)
		if err != nil {
			return fmt.Errorf("request %x: %v", e.key, err)
		}
		a.Requests = append(a.Requests, r)

	case bytes.HasPrefix(e.key, prefixCorrelation):
		if len(e.key) != len(prefixCorrelation)+8 || len(e.value) != 8 {
			return fmt.Errorf("correlation entry %x", e.key)
		}
		a.Correlation[binary.BigEndian.Uint64(e.key[len(prefixCorrelation):])] = binary.BigEndian.Uint64(e.value)

	case bytes.Equal(e.key, keyTotals):
		t, err := ledger.DecodeTotals(e.value)
		if err != nil {
			return err
		}
		a.Totals = t

	default:
		return fmt.Errorf("unexpected key %q", e.key)
	}

	return nil
}

// Check verifies the settlement invariants recorded in the snapshot:
// the totals balance, each request's fee is accounted in exactly one bucket,
// and the correlation map is a bijection onto the requests' tracking ids.
func (a *Audit) Check() error {
	if !a.Totals.Balanced() {
		return fmt.Errorf("totals do not balance: %+v", a.Totals)
	}

	var collected, pending, earned, refunded uint64
	requests := make(map[uint64]matching.Request, len(a.Requests))

	for _, r := range a.Requests {
		requests[r.ID] = r
		collected += r.PaidFee

		switch r.Disposition {
		case matching.Pending:
			if r.State != matching.Active {
				return fmt.Errorf("request %d is %s with no disposition", r.ID, r.State)
			}
			pending += r.PaidFee
		case matching.Retained:
			earned += r.PaidFee
		case matching.RefundedBelowThreshold, matching.RefundedTimeout:
			refunded += r.PaidFee
		}
	}

	t := a.Totals

	if collected != t.Collected {
		return fmt.Errorf("requests paid %d, ledger collected %d", collected, t.Collected)
	}

	if pending != t.Pending {
		return fmt.Errorf("active requests hold %d, ledger pending %d", pending, t.Pending)
	}

	if earned != t.Retained+t.Withdrawn {
		return fmt.Errorf("retained requests earned %d, ledger retained %d + withdrawn %d", earned, t.Retained, t.Withdrawn)
	}

	if refunded != t.Refunded {
		return fmt.Errorf("refunded requests returned %d, ledger refunded %d", refunded, t.Refunded)
	}

	if len(a.Correlation) != len(a.Requests) {
		return fmt.Errorf("%d correlation entries for %d requests", len(a.Correlation), len(a.Requests))
	}

	for tid, id := range a.Correlation {
		r, ok := requests[id]
		if !ok {
			return fmt.Errorf("tracking id %d maps to unknown request %d", tid, id)
		}

		if r.TrackingID != tid {
			return fmt.Errorf("tracking id %d maps to request %d with tracking id %d", tid, id, r.TrackingID)
		}
	}

	return nil
}
