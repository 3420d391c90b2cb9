package fhe

import (
	"errors"
	"testing"

	"BlindMatch/internal/storage"
)

var testKey = [32]byte{7, 7, 7}

func newTestLocal(t *testing.T) (*Local, *storage.Storage) {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := NewLocal(db, testKey)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	return l, db
}

func importValue(t *testing.T, l *Local, v uint64, w Width) Handle {
	t.Helper()

	ct, err := Seal(testKey, v, w)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	h, err := l.Import(ct, w)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	return h
}

func reveal(t *testing.T, l *Local, h Handle) uint64 {
	t.Helper()

	if err := l.AllowDecryption(h); err != nil {
		t.Fatalf("allow decryption: %v", err)
	}

	v, _, err := l.Decrypt(h)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	return v
}

func TestSealImportRoundTrip(t *testing.T) {
	l, _ := newTestLocal(t)

	h := importValue(t, l, 200, Uint8)
	if got := reveal(t, l, h); got != 200 {
		t.Errorf("got %d, want 200", got)
	}
}

func TestImportRejectsTampered(t *testing.T) {
	l, _ := newTestLocal(t)

	ct, err := Seal(testKey, 42, Uint8)
	if err != nil {
		t.Fatal(err)
	}

	ct[len(ct)-1] ^= 0xFF

	if _, err := l.Import(ct, Uint8); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("expected ErrBadCiphertext, got %v", err)
	}
}

func TestImportRejectsWrongKey(t *testing.T) {
	l, _ := newTestLocal(t)

	ct, err := Seal([32]byte{1}, 42, Uint8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Import(ct, Uint8); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("expected ErrBadCiphertext, got %v", err)
	}
}

func TestImportRejectsWidth(t *testing.T) {
	l, _ := newTestLocal(t)

	ct, err := Seal(testKey, 42, Uint8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Import(ct, Uint32); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("expected ErrBadCiphertext, got %v", err)
	}
}

func TestSealOverflow(t *testing.T) {
	if _, err := Seal(testKey, 256, Uint8); err == nil {
		t.Error("expected overflow error")
	}
}

func TestArithmeticWraps(t *testing.T) {
	l, _ := newTestLocal(t)

	a := importValue(t, l, 10, Uint8)
	b := importValue(t, l, 20, Uint8)

	sum, err := l.Add(a, b)
	if err != nil {
		t.Fatal(err)
	}

	diff, err := l.Sub(a, b)
	if err != nil {
		t.Fatal(err)
	}

	if got := reveal(t, l, sum); got != 30 {
		t.Errorf("add: got %d, want 30", got)
	}

	if got := reveal(t, l, diff); got != 246 {
		t.Errorf("sub: got %d, want 246 (wrapped)", got)
	}
}

func TestCompareAndSelect(t *testing.T) {
	l, _ := newTestLocal(t)

	a := importValue(t, l, 12, Uint8)
	b := importValue(t, l, 10, Uint8)

	ge, err := l.GE(a, b)
	if err != nil {
		t.Fatal(err)
	}

	sel, err := l.Select(ge, a, b)
	if err != nil {
		t.Fatal(err)
	}

	if got := reveal(t, l, sel); got != 12 {
		t.Errorf("select: got %d, want 12", got)
	}

	lt, err := l.GE(b, a)
	if err != nil {
		t.Fatal(err)
	}

	sel, err = l.Select(lt, a, b)
	if err != nil {
		t.Fatal(err)
	}

	if got := reveal(t, l, sel); got != 10 {
		t.Errorf("select: got %d, want 10", got)
	}
}

func TestWidthMismatch(t *testing.T) {
	l, _ := newTestLocal(t)

	a := importValue(t, l, 1, Uint8)

	b, err := l.Constant(1, Uint32)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Add(a, b); !errors.Is(err, ErrWidthMismatch) {
		t.Errorf("expected ErrWidthMismatch, got %v", err)
	}

	if _, err := l.Select(a, a, a); !errors.Is(err, ErrWidthMismatch) {
		t.Errorf("non-bool condition: expected ErrWidthMismatch, got %v", err)
	}
}

func TestCast(t *testing.T) {
	l, _ := newTestLocal(t)

	a := importValue(t, l, 250, Uint8)

	wide, err := l.Cast(a, Uint32)
	if err != nil {
		t.Fatal(err)
	}

	one, _ := l.Constant(10, Uint32)

	sum, err := l.Add(wide, one)
	if err != nil {
		t.Fatal(err)
	}

	if got := reveal(t, l, sum); got != 260 {
		t.Errorf("got %d, want 260", got)
	}
}

func TestUnknownHandle(t *testing.T) {
	l, _ := newTestLocal(t)

	if _, err := l.Cast(Handle{9}, Uint32); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestDecryptRequiresFlag(t *testing.T) {
	l, _ := newTestLocal(t)

	h := importValue(t, l, 5, Uint8)

	if _, _, err := l.Decrypt(h); err == nil {
		t.Error("expected error decrypting unflagged handle")
	}
}

func TestAllowACL(t *testing.T) {
	l, _ := newTestLocal(t)

	h := importValue(t, l, 5, Uint8)
	owner := [32]byte{1}

	if l.Allowed(h, owner) {
		t.Fatal("should not be allowed before grant")
	}

	if err := l.Allow(h, owner); err != nil {
		t.Fatal(err)
	}

	if !l.Allowed(h, owner) {
		t.Error("should be allowed after grant")
	}

	if l.Allowed(h, [32]byte{2}) {
		t.Error("grant leaked to another principal")
	}
}

func TestHandlesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	l, _ := NewLocal(db, testKey)
	h := importValue(t, l, 77, Uint8)
	if err := l.AllowDecryption(h); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	l, err = NewLocal(db, testKey)
	if err != nil {
		t.Fatal(err)
	}

	v, w, err := l.Decrypt(h)
	if err != nil {
		t.Fatal(err)
	}

	if v != 77 || w != Uint8 {
		t.Errorf("got %d/%s, want 77/euint8", v, w)
	}

	// New handles must not collide with the ones issued before reopen.
	h2 := importValue(t, l, 1, Uint8)
	if h2 == h {
		t.Error("handle reused after reopen")
	}
}

func TestTransport(t *testing.T) {
	l, _ := newTestLocal(t)

	h := importValue(t, l, 3, Uint8)

	b, err := l.ToTransport(h)
	if err != nil {
		t.Fatal(err)
	}

	got, w, err := ParseTransport(b)
	if err != nil {
		t.Fatal(err)
	}

	if got != h || w != Uint8 {
		t.Errorf("transport mismatch")
	}

	if _, _, err := ParseTransport(b[:10]); err == nil {
		t.Error("expected error for short transport")
	}
}

func TestDrop(t *testing.T) {
	l, db := newTestLocal(t)

	h := importValue(t, l, 9, Uint8)
	keep := importValue(t, l, 4, Uint8)
	who := [32]byte{1}

	if err := l.Allow(h, who); err != nil {
		t.Fatal(err)
	}

	if err := l.Allow(keep, who); err != nil {
		t.Fatal(err)
	}

	if err := l.Drop(h); err != nil {
		t.Fatal(err)
	}

	if _, err := l.ToTransport(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("dropped handle still resolves: %v", err)
	}

	if l.Allowed(h, who) {
		t.Error("grant on dropped handle survived")
	}

	if ok, _ := db.Has(cellKey(h)); ok {
		t.Error("cell still stored")
	}

	if !l.Allowed(keep, who) || reveal(t, l, keep) != 4 {
		t.Error("other handle affected")
	}
}
