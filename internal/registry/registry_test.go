package registry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/fhe"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/storage"
)

var sealKey = [32]byte{0x42}

type pauseFlag struct{ on bool }

func (p *pauseFlag) Paused() bool { return p.on }

type testEnv struct {
	store  *Store
	engine *fhe.Local
	pause  *pauseFlag
	rec    *events.Recorder
	db     *storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine, err := fhe.NewLocal(db, sealKey)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{engine: engine, pause: &pauseFlag{}, rec: &events.Recorder{}, db: db}

	clock := func() time.Time { return time.Unix(1_700_000_000, 0) }

	env.store, err = New(db, engine, env.pause, env.rec, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	return env
}

func sealAttrs(t *testing.T, vals [Slots]uint64) [Slots][]byte {
	t.Helper()

	var out [Slots][]byte
	for i, v := range vals {
		ct, err := fhe.Seal(sealKey, v, fhe.Uint8)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = ct
	}

	return out
}

func validFields() PublicFields {
	return PublicFields{Name: "Rex", Breed: "Collie", Category: 1, Age: 4}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	owner := guard.Principal{1}

	id, err := env.store.Register(owner, validFields(), sealAttrs(t, [Slots]uint64{10, 20, 30, 5, 100, 200}))
	if err != nil {
		t.Fatal(err)
	}

	if id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}

	r, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	if !r.Available || r.Owner != owner || r.Fields != validFields() {
		t.Errorf("stored record = %+v", r)
	}

	for i, h := range r.Attributes {
		if !env.engine.Allowed(h, owner) {
			t.Errorf("owner not granted slot %d", i)
		}
	}

	if env.rec.Count(events.Registered) != 1 {
		t.Errorf("registered events = %d", env.rec.Count(events.Registered))
	}

	id2, _ := env.store.Register(owner, validFields(), sealAttrs(t, [Slots]uint64{}))
	if id2 != 2 {
		t.Errorf("second id = %d, want 2", id2)
	}
}

func TestRegisterNameBoundary(t *testing.T) {
	env := newTestEnv(t)
	attrs := sealAttrs(t, [Slots]uint64{})

	f := validFields()
	f.Name = strings.Repeat("a", 50)

	if _, err := env.store.Register(guard.Principal{1}, f, attrs); err != nil {
		t.Errorf("50 characters rejected: %v", err)
	}

	f.Name = strings.Repeat("a", 51)

	if _, err := env.store.Register(guard.Principal{1}, f, attrs); !errors.Is(err, guard.ErrValidation) {
		t.Errorf("51 characters: got %v, want ErrValidation", err)
	}

	// Runes, not bytes
	f.Name = strings.Repeat("é", 50)

	if _, err := env.store.Register(guard.Principal{1}, f, attrs); err != nil {
		t.Errorf("50 multibyte characters rejected: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	attrs := sealAttrs(t, [Slots]uint64{})

	cases := map[string]PublicFields{
		"empty name":   {Name: ""},
		"long breed":   {Name: "x", Breed: strings.Repeat("b", 51)},
		"category":     {Name: "x", Category: 8},
		"age":          {Name: "x", Age: 31},
		"invalid utf8": {Name: "\xff"},
	}

	for name, f := range cases {
		if _, err := env.store.Register(guard.Principal{1}, f, attrs); !errors.Is(err, guard.ErrValidation) {
			t.Errorf("%s: got %v, want ErrValidation", name, err)
		}
	}

	bad := attrs
	bad[2] = []byte("garbage")

	if _, err := env.store.Register(guard.Principal{1}, validFields(), bad); !errors.Is(err, guard.ErrValidation) {
		t.Errorf("bad ciphertext: got %v, want ErrValidation", err)
	}

	if env.store.LastID() != 0 {
		t.Errorf("rejected registrations assigned ids: %d", env.store.LastID())
	}

	if env.rec.Count(events.Registered) != 0 {
		t.Error("rejected registration emitted an event")
	}
}

// countKeys returns how many stored keys start with prefix.
func countKeys(t *testing.T, db *storage.Storage, prefix string) int {
	t.Helper()

	n := 0
	if err := db.IteratePrefix([]byte(prefix), func(_, _ []byte) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}

	return n
}

func TestRejectedRegistrationDropsHandles(t *testing.T) {
	env := newTestEnv(t)

	bad := sealAttrs(t, [Slots]uint64{1, 2, 3, 4, 5, 6})
	bad[4] = []byte("garbage")

	if _, err := env.store.Register(guard.Principal{1}, validFields(), bad); !errors.Is(err, guard.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}

	if n := countKeys(t, env.db, "x:"); n != 0 {
		t.Errorf("%d handles left by a rejected registration", n)
	}

	if n := countKeys(t, env.db, "y:"); n != 0 {
		t.Errorf("%d grants left by a rejected registration", n)
	}
}

func TestFailedCommitLeavesNoRecord(t *testing.T) {
	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	engine, err := fhe.NewLocal(db, sealKey)
	if err != nil {
		t.Fatal(err)
	}

	journal, err := events.NewJournal(db)
	if err != nil {
		t.Fatal(err)
	}

	// Timestamps past year 9999 cannot be encoded, which fails the batch
	clock := func() time.Time { return time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC) }

	store, err := New(db, engine, &pauseFlag{}, journal, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Register(guard.Principal{1}, validFields(), sealAttrs(t, [Slots]uint64{})); err == nil {
		t.Fatal("record stored with an unencodable event")
	}

	if store.LastID() != 0 || countKeys(t, db, "a:") != 0 {
		t.Error("record written by a failed commit")
	}

	if countKeys(t, db, "x:")+countKeys(t, db, "y:") != 0 {
		t.Error("handles left by a failed commit")
	}

	if list, _ := journal.List(0, 10); len(list) != 0 {
		t.Errorf("events after a failed commit: %+v", list)
	}
}

func TestRegisterPaused(t *testing.T) {
	env := newTestEnv(t)
	env.pause.on = true

	_, err := env.store.Register(guard.Principal{1}, validFields(), sealAttrs(t, [Slots]uint64{}))
	if !errors.Is(err, guard.ErrPaused) {
		t.Errorf("got %v, want ErrPaused", err)
	}
}

func TestToggleAvailability(t *testing.T) {
	env := newTestEnv(t)
	owner := guard.Principal{1}

	id, _ := env.store.Register(owner, validFields(), sealAttrs(t, [Slots]uint64{}))

	if _, err := env.store.ToggleAvailability(99, owner); !errors.Is(err, guard.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	if _, err := env.store.ToggleAvailability(id, guard.Principal{2}); !errors.Is(err, guard.ErrNotAuthorized) {
		t.Errorf("stranger: got %v, want ErrNotAuthorized", err)
	}

	avail, err := env.store.ToggleAvailability(id, owner)
	if err != nil || avail {
		t.Fatalf("toggle: avail=%v err=%v", avail, err)
	}

	view, _ := env.store.PublicInfo(id)
	if view.Available {
		t.Error("availability not persisted")
	}

	avail, _ = env.store.ToggleAvailability(id, owner)
	if !avail {
		t.Error("second toggle should restore availability")
	}

	changes := env.rec.Find(events.AvailabilityChanged)
	if len(changes) != 2 || changes[0].Available || !changes[1].Available {
		t.Errorf("availability events = %+v", changes)
	}
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	owner := guard.Principal{1}

	id, _ := env.store.Register(owner, validFields(), sealAttrs(t, [Slots]uint64{}))

	updated := PublicFields{Name: "Rex II", Breed: "Border Collie", Category: 2, Age: 5}

	if err := env.store.UpdateProfile(id, guard.Principal{2}, updated); !errors.Is(err, guard.ErrNotAuthorized) {
		t.Errorf("stranger: got %v, want ErrNotAuthorized", err)
	}

	if err := env.store.UpdateProfile(id, owner, PublicFields{}); !errors.Is(err, guard.ErrValidation) {
		t.Errorf("empty name: got %v, want ErrValidation", err)
	}

	if err := env.store.UpdateProfile(id, owner, updated); err != nil {
		t.Fatal(err)
	}

	view, _ := env.store.PublicInfo(id)
	if view.Name != "Rex II" || view.Breed != "Border Collie" || view.Age != 5 {
		t.Errorf("view = %+v", view)
	}

	if env.rec.Count(events.ProfileUpdated) != 1 {
		t.Errorf("profile events = %d", env.rec.Count(events.ProfileUpdated))
	}
}

func TestPublicInfoNotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []uint64{0, 1, 1000} {
		if _, err := env.store.PublicInfo(id); !errors.Is(err, guard.ErrNotFound) {
			t.Errorf("id %d: got %v, want ErrNotFound", id, err)
		}
	}
}

func TestListByOwner(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := guard.Principal{1}, guard.Principal{2}
	attrs := sealAttrs(t, [Slots]uint64{})

	env.store.Register(alice, validFields(), attrs)
	env.store.Register(bob, validFields(), attrs)
	env.store.Register(alice, validFields(), attrs)

	views, err := env.store.ListByOwner(alice)
	if err != nil {
		t.Fatal(err)
	}

	if len(views) != 2 || views[0].ID != 1 || views[1].ID != 3 {
		t.Errorf("alice's records = %+v", views)
	}

	if views[0].Owner != alice.Hex() {
		t.Errorf("owner = %s", views[0].Owner)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	engine, _ := fhe.NewLocal(db, sealKey)
	store, _ := New(db, engine, &pauseFlag{}, events.Discard{})

	if _, err := store.Register(guard.Principal{1}, validFields(), sealAttrs(t, [Slots]uint64{})); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	engine, _ = fhe.NewLocal(db, sealKey)
	store, err = New(db, engine, &pauseFlag{}, events.Discard{})
	if err != nil {
		t.Fatal(err)
	}

	if store.LastID() != 1 {
		t.Fatalf("LastID() = %d, want 1", store.LastID())
	}

	if _, err := store.PublicInfo(1); err != nil {
		t.Errorf("record lost on reopen: %v", err)
	}
}

func TestRecordEncoding(t *testing.T) {
	r := Record{
		ID:        9,
		Owner:     guard.Principal{3},
		Fields:    PublicFields{Name: "Ünïcode", Breed: "", Category: 7, Age: 30},
		Available: true,
		CreatedAt: time.Unix(0, 1234567).UTC(),
	}
	r.Attributes[5] = fhe.Handle{0xEE}

	got, err := DecodeRecord(encodeRecord(r))
	if err != nil {
		t.Fatal(err)
	}

	if got != r {
		t.Errorf("decoded %+v, want %+v", got, r)
	}

	if _, err := DecodeRecord(encodeRecord(r)[:fixedSize]); err == nil {
		t.Error("expected error for truncated record")
	}
}
