package keycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/stationops/internal/model"
	"golang.org/x/sync/errgroup"
)

// memoryStore はテスト用のKeyStore実装。
type memoryStore struct {
	mu          sync.Mutex
	keys        []*model.SigningKey
	latestCalls atomic.Int64
	findCalls   atomic.Int64
	inserts     atomic.Int64
	latestErr   error
	findErr     error
	insertErr   error
}

func (s *memoryStore) Latest(ctx context.Context) (*model.SigningKey, error) {
	s.latestCalls.Add(1)
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.SigningKey
	for _, k := range s.keys {
		if latest == nil || k.IssuedAt.After(latest.IssuedAt) {
			latest = k
		}
	}
	return latest, nil
}

func (s *memoryStore) FindByID(ctx context.Context, id string) (*model.SigningKey, error) {
	s.findCalls.Add(1)
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			return k, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) Insert(ctx context.Context, key *model.SigningKey) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingRecorder struct {
	rotations atomic.Int64
}

func (r *countingRecorder) KeyRotated() { r.rotations.Add(1) }

const testTTL = 24 * time.Hour

func newTestProvider(store KeyStore, clock *fakeClock, overlap time.Duration) (*Provider, *countingRecorder) {
	rec := &countingRecorder{}
	p := NewProvider(store, Config{
		TTL:      testTTL,
		Overlap:  overlap,
		Now:      clock.Now,
		Recorder: rec,
	})
	return p, rec
}

func TestActive_EmptyStore_GeneratesAndPersistsKey(t *testing.T) {
	store := &memoryStore{}
	clock := newFakeClock()
	p, rec := newTestProvider(store, clock, 0)

	key, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}
	if len(key.Secret) != SecretSize {
		t.Errorf("len(Secret) = %d, want %d", len(key.Secret), SecretSize)
	}
	if key.ID == "" {
		t.Error("expected non-empty key ID")
	}
	if store.inserts.Load() != 1 {
		t.Errorf("inserts = %d, want 1", store.inserts.Load())
	}
	if rec.rotations.Load() != 1 {
		t.Errorf("rotations = %d, want 1", rec.rotations.Load())
	}
}

func TestActive_WithinTTL_ServedFromCache(t *testing.T) {
	store := &memoryStore{}
	clock := newFakeClock()
	p, _ := newTestProvider(store, clock, 0)

	first, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}
	calls := store.latestCalls.Load()

	clock.Advance(testTTL - time.Second)
	second, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("key ID changed within TTL: %q -> %q", first.ID, second.ID)
	}
	if store.latestCalls.Load() != calls {
		t.Errorf("store consulted within TTL: Latest calls %d -> %d", calls, store.latestCalls.Load())
	}
}

func TestActive_AfterTTL_Rotates(t *testing.T) {
	store := &memoryStore{}
	clock := newFakeClock()
	p, rec := newTestProvider(store, clock, 0)

	first, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}

	clock.Advance(testTTL)
	second, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}

	if second.ID == first.ID {
		t.Error("expected a new key after TTL")
	}
	if rec.rotations.Load() != 2 {
		t.Errorf("rotations = %d, want 2", rec.rotations.Load())
	}
}

func TestActive_AdoptsFreshKeyFromStore(t *testing.T) {
	clock := newFakeClock()
	existing := &model.SigningKey{
		ID:       "6a1f2a9e-4a53-4f3a-9d0b-0b3c0b6d1e11",
		Secret:   make([]byte, SecretSize),
		IssuedAt: clock.Now().Add(-time.Hour),
	}
	store := &memoryStore{keys: []*model.SigningKey{existing}}
	p, rec := newTestProvider(store, clock, 0)

	key, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}
	if key.ID != existing.ID {
		t.Errorf("Active().ID = %q, want stored key %q", key.ID, existing.ID)
	}
	if store.inserts.Load() != 0 {
		t.Errorf("inserts = %d, want 0", store.inserts.Load())
	}
	if rec.rotations.Load() != 0 {
		t.Errorf("rotations = %d, want 0", rec.rotations.Load())
	}
}

func TestActive_StoreFailure_Propagates(t *testing.T) {
	storeErr := errors.New("database is down")

	tests := []struct {
		name  string
		store *memoryStore
	}{
		{"latest fails", &memoryStore{latestErr: storeErr}},
		{"insert fails", &memoryStore{insertErr: storeErr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(tt.store, newFakeClock(), 0)

			key, err := p.Active(context.Background())
			if !errors.Is(err, storeErr) {
				t.Errorf("err = %v, want wrapped store error", err)
			}
			if key != nil {
				t.Errorf("key = %+v, want nil", key)
			}
		})
	}
}

func TestLookup_OverlapPolicy(t *testing.T) {
	tests := []struct {
		name      string
		overlap   time.Duration
		advance   time.Duration
		wantFound bool
	}{
		{"no overlap: retired key rejected", 0, testTTL, false},
		{"overlap: retired key accepted within window", 2 * time.Hour, testTTL + time.Hour, true},
		{"overlap: retired key rejected after window", 2 * time.Hour, testTTL + 2*time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{}
			clock := newFakeClock()
			p, _ := newTestProvider(store, clock, tt.overlap)

			old, err := p.Active(context.Background())
			if err != nil {
				t.Fatalf("Active error: %v", err)
			}

			clock.Advance(tt.advance)
			if _, err := p.Active(context.Background()); err != nil {
				t.Fatalf("Active error after rotation: %v", err)
			}

			got, err := p.Lookup(context.Background(), old.ID)
			if err != nil {
				t.Fatalf("Lookup error: %v", err)
			}
			if (got != nil) != tt.wantFound {
				t.Errorf("Lookup found = %v, want %v", got != nil, tt.wantFound)
			}
		})
	}
}

func TestLookup_ReadsThroughForKeyFromAnotherProcess(t *testing.T) {
	clock := newFakeClock()
	store := &memoryStore{}
	writer, _ := newTestProvider(store, clock, 0)
	reader, _ := newTestProvider(store, clock, 0)

	key, err := writer.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}

	got, err := reader.Lookup(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if got == nil || got.ID != key.ID {
		t.Fatalf("Lookup = %+v, want key %q", got, key.ID)
	}

	// 2回目はキャッシュから返り、ストア障害の影響を受けない
	store.findErr = errors.New("database is down")
	if _, err := reader.Lookup(context.Background(), key.ID); err != nil {
		t.Errorf("cached Lookup error: %v", err)
	}
}

func TestLookup_UnknownOrMalformedKid(t *testing.T) {
	store := &memoryStore{}
	p, _ := newTestProvider(store, newFakeClock(), 0)

	for _, kid := range []string{"", "not-a-uuid", "0b7c8f5e-5b55-4a4c-8d9e-7f4e0c1d2a33"} {
		got, err := p.Lookup(context.Background(), kid)
		if err != nil {
			t.Errorf("Lookup(%q) error: %v", kid, err)
		}
		if got != nil {
			t.Errorf("Lookup(%q) = %+v, want nil", kid, got)
		}
	}
}

func TestLookup_UnknownKid_RemembersMiss(t *testing.T) {
	store := &memoryStore{}
	clock := newFakeClock()
	p, _ := newTestProvider(store, clock, 0)
	kid := "0b7c8f5e-5b55-4a4c-8d9e-7f4e0c1d2a33"

	for i := 0; i < 3; i++ {
		if got, err := p.Lookup(context.Background(), kid); err != nil || got != nil {
			t.Fatalf("Lookup = %+v, %v, want nil, nil", got, err)
		}
	}
	if got := store.findCalls.Load(); got != 1 {
		t.Errorf("FindByID calls = %d, want 1", got)
	}

	// 期間が過ぎれば再びストアを参照する
	clock.Advance(missTTL)
	if _, err := p.Lookup(context.Background(), kid); err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if got := store.findCalls.Load(); got != 2 {
		t.Errorf("FindByID calls after expiry = %d, want 2", got)
	}
}

func TestLookup_StoreFailure_NotRemembered(t *testing.T) {
	store := &memoryStore{findErr: errors.New("database is down")}
	p, _ := newTestProvider(store, newFakeClock(), 0)
	kid := "0b7c8f5e-5b55-4a4c-8d9e-7f4e0c1d2a33"

	for i := 0; i < 2; i++ {
		if _, err := p.Lookup(context.Background(), kid); err == nil {
			t.Fatalf("Lookup #%d should return the store error", i+1)
		}
	}
	if got := store.findCalls.Load(); got != 2 {
		t.Errorf("FindByID calls = %d, want 2", got)
	}
}

func TestLookup_MissCacheIsBounded(t *testing.T) {
	store := &memoryStore{}
	p, _ := newTestProvider(store, newFakeClock(), 0)

	for i := 0; i < missCacheSize+100; i++ {
		if _, err := p.Lookup(context.Background(), uuid.NewString()); err != nil {
			t.Fatalf("Lookup error: %v", err)
		}
	}
	if got := p.misses.Len(); got > missCacheSize {
		t.Errorf("misses.Len() = %d, want <= %d", got, missCacheSize)
	}
}

func TestLookup_StoreFailure_Propagates(t *testing.T) {
	storeErr := errors.New("database is down")
	store := &memoryStore{findErr: storeErr}
	p, _ := newTestProvider(store, newFakeClock(), 0)

	_, err := p.Lookup(context.Background(), "0b7c8f5e-5b55-4a4c-8d9e-7f4e0c1d2a33")
	if !errors.Is(err, storeErr) {
		t.Errorf("err = %v, want wrapped store error", err)
	}
}

func TestActive_ConcurrentCallers_ConvergeOnVerifiableKeys(t *testing.T) {
	store := &memoryStore{}
	clock := newFakeClock()
	p, _ := newTestProvider(store, clock, 0)

	const callers = 64
	keys := make([]*model.SigningKey, callers)

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			k, err := p.Active(context.Background())
			if err != nil {
				return err
			}
			keys[i] = k
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Active error: %v", err)
	}

	// どのゴルーチンが受け取った鍵でも検証に使えること
	for i, k := range keys {
		got, err := p.Lookup(context.Background(), k.ID)
		if err != nil {
			t.Fatalf("Lookup error: %v", err)
		}
		if got == nil {
			t.Errorf("keys[%d] (%s) not verifiable after concurrent refresh", i, k.ID)
		}
	}

	// 以降はキャッシュから一貫した鍵が返る
	settled, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active error: %v", err)
	}
	calls := store.latestCalls.Load()
	for i := 0; i < 10; i++ {
		k, err := p.Active(context.Background())
		if err != nil {
			t.Fatalf("Active error: %v", err)
		}
		if k.ID != settled.ID {
			t.Fatalf("Active().ID = %q, want %q", k.ID, settled.ID)
		}
	}
	if store.latestCalls.Load() != calls {
		t.Error("store consulted after cache settled")
	}
}
