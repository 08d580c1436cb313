package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/reinfolib-cache/internal/testutil"
)

func newTestDisk(t *testing.T) (*DiskTier, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	d, err := NewDiskTier(t.TempDir(), clock.Now)
	if err != nil {
		t.Fatalf("NewDiskTier() error = %v", err)
	}
	return d, clock
}

func TestDiskTier_PutGet(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()

	key := testKey("geo")
	payload := []byte(`{"type":"FeatureCollection","features":[]}`)
	err := d.Put(ctx, &Entry{
		Key:         key,
		Payload:     payload,
		ContentType: "application/geo+json",
		Class:       "geo_layer",
		CreatedAt:   clock.Now(),
		TTL:         24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
	if got.ContentType != "application/geo+json" || got.Class != "geo_layer" {
		t.Errorf("metadata not preserved: %+v", got)
	}
	if got.Tier != TierDisk {
		t.Errorf("Tier = %q, want disk", got.Tier)
	}
	if got.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", got.Size, len(payload))
	}
}

func TestDiskTier_Miss(t *testing.T) {
	d, _ := newTestDisk(t)

	if _, err := d.Get(context.Background(), testKey("absent")); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestDiskTier_ExpiryBoundary(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()
	key := testKey("ttl")

	if err := d.Put(ctx, &Entry{Key: key, Payload: []byte("x"), CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	clock.Advance(time.Hour - time.Second)
	if _, err := d.Get(ctx, key); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	clock.Advance(time.Second)
	if _, err := d.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() at expiry error = %v, want ErrCacheMiss", err)
	}
	if _, err := os.Stat(d.path(key)); !os.IsNotExist(err) {
		t.Errorf("expired entry file should be removed, stat err = %v", err)
	}
}

func TestDiskTier_ReplaceIsWhole(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()
	key := testKey("replace")

	first := make([]byte, 64<<10)
	second := []byte("short")
	for i := range first {
		first[i] = 'a'
	}

	if err := d.Put(ctx, &Entry{Key: key, Payload: first, CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Put(first) error = %v", err)
	}
	if err := d.Put(ctx, &Entry{Key: key, Payload: second, CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
		t.Fatalf("Put(second) error = %v", err)
	}

	got, err := d.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != "short" {
		t.Errorf("payload = %d bytes, want the replacement", len(got.Payload))
	}

	matches, _ := filepath.Glob(filepath.Join(d.Dir(), "*", tempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestDiskTier_CorruptEntryIsCacheError(t *testing.T) {
	d, _ := newTestDisk(t)
	key := testKey("corrupt")

	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not a header\npayload"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := d.Get(context.Background(), key)
	if !errors.Is(err, ErrCache) {
		t.Errorf("Get() error = %v, want ErrCache", err)
	}
	if errors.Is(err, ErrCacheMiss) {
		t.Error("corrupt entry should not look like a plain miss")
	}
}

func TestDiskTier_TruncatedPayload(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()
	key := testKey("truncated")

	if err := d.Put(ctx, &Entry{Key: key, Payload: []byte("0123456789"), CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(d.path(key))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(d.path(key), info.Size()-3); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Get(ctx, key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get() error = %v, want ErrInvalidEntry", err)
	}
}

func TestDiskTier_EvictExpired(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()

	if err := d.Put(ctx, &Entry{Key: testKey("old"), Payload: []byte("1"), CreatedAt: clock.Now(), TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, &Entry{Key: testKey("new"), Payload: []byte("2"), CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(10 * time.Minute)
	removed, err := d.EvictExpired(ctx)
	if err != nil {
		t.Fatalf("EvictExpired() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("EvictExpired() = %d, want 1", removed)
	}
	if _, err := d.Get(ctx, testKey("new")); err != nil {
		t.Errorf("live entry was swept: %v", err)
	}
}

func TestDiskTier_RemoveAndClear(t *testing.T) {
	d, clock := newTestDisk(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if err := d.Put(ctx, &Entry{Key: testKey(name), Payload: []byte(name), CreatedAt: clock.Now(), TTL: time.Hour}); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Remove(testKey("a")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := d.Remove(testKey("a")); err != nil {
		t.Fatalf("second Remove() should be a no-op, got %v", err)
	}
	if _, err := d.Get(ctx, testKey("a")); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Remove error = %v, want ErrCacheMiss", err)
	}

	if err := d.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	for _, name := range []string{"b", "c"} {
		if _, err := d.Get(ctx, testKey(name)); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Get(%s) after Clear error = %v", name, err)
		}
	}
}
