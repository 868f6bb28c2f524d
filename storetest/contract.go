package storetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

// Options configures shared store contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// NullSemantics enables relaxed expectations for the null store.
	NullSemantics bool
	// TTL controls the expiry duration used in TTL tests.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// Advance moves a fake clock forward instead of sleeping (e.g. miniredis FastForward).
	Advance func(time.Duration)
	// SkipFlush disables the flush assertion.
	SkipFlush bool
}

// Store is the minimal contract required by RunStoreContract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Append(ctx context.Context, key string, value []byte) (int64, error)
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Flush(ctx context.Context) error
}

// RunStoreContract runs a backend-agnostic store contract suite.
func RunStoreContract(t *testing.T, store Store, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}

	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Set/Get round-trip.
	if err := store.Set(ctx, key("alpha"), []byte("value"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := store.Get(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if opts.NullSemantics {
		if ok {
			t.Fatalf("expected miss for null semantics")
		}
	} else {
		if !ok || string(body) != "value" {
			t.Fatalf("unexpected get result: ok=%v body=%q", ok, string(body))
		}
		body[0] = 'X'
		body2, ok2, err2 := store.Get(ctx, key("alpha"))
		if err2 != nil || !ok2 || string(body2) != "value" {
			t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok2, string(body2), err2)
		}
	}

	// Missing keys are not errors.
	if _, ok, err := store.Get(ctx, key("missing")); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	// TTL expiry; ttl <= 0 never expires.
	if err := store.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
		t.Fatalf("set ttl failed: %v", err)
	}
	if opts.Advance != nil {
		opts.Advance(wait)
		if _, ok, err := store.Get(ctx, key("ttl")); err != nil || ok {
			t.Fatalf("expected ttl expiry after advance; ok=%v err=%v", ok, err)
		}
	} else if err := waitForMiss(ctx, store, key("ttl"), wait); err != nil {
		t.Fatalf("expected ttl expiry: %v", err)
	}
	if !opts.NullSemantics {
		if _, ok, err := store.Get(ctx, key("alpha")); err != nil || !ok {
			t.Fatalf("expected persistent key to survive; ok=%v err=%v", ok, err)
		}
	}

	// Counters.
	n, err := store.Increment(ctx, key("counter"), 1)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	n, err = store.Increment(ctx, key("counter"), 2)
	if err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if opts.NullSemantics {
		if n != 0 {
			t.Fatalf("expected null-like increment to return 0, got %d", n)
		}
	} else {
		if n != 3 {
			t.Fatalf("expected increment=3, got %d", n)
		}
		counter, ok, err := store.Get(ctx, key("counter"))
		if err != nil || !ok || string(counter) != "3" {
			t.Fatalf("expected counter readable as \"3\", got ok=%v body=%q err=%v", ok, string(counter), err)
		}
		if err := store.Set(ctx, key("counter"), []byte("0"), 0); err != nil {
			t.Fatalf("reset counter failed: %v", err)
		}
		if n, err := store.Increment(ctx, key("counter"), -1); err != nil || n != -1 {
			t.Fatalf("expected increment after reset=-1, got %d err=%v", n, err)
		}
		if _, err := store.Increment(ctx, key("alpha"), 1); err == nil {
			t.Fatalf("expected increment of non-numeric value to fail")
		}
	}

	// Lists.
	for i, v := range []string{"a", "b", "c"} {
		length, err := store.Append(ctx, key("list"), []byte(v))
		if err != nil {
			t.Fatalf("append %q failed: %v", v, err)
		}
		if !opts.NullSemantics && length != int64(i+1) {
			t.Fatalf("expected list length %d, got %d", i+1, length)
		}
	}
	if opts.NullSemantics {
		items, err := store.Range(ctx, key("list"), 0, -1)
		if err != nil || len(items) != 0 {
			t.Fatalf("expected empty range for null semantics, got %q err=%v", items, err)
		}
	} else {
		assertRange(t, store, key("list"), 0, -1, "a", "b", "c")
		assertRange(t, store, key("list"), 1, 1, "b")
		assertRange(t, store, key("list"), -2, -1, "b", "c")
		assertRange(t, store, key("list"), 0, 100, "a", "b", "c")
		assertRange(t, store, key("list"), 5, 10)
		assertRange(t, store, key("list"), 2, 1)
	}
	assertRange(t, store, key("nolist"), 0, -1)

	// Flush.
	if !opts.SkipFlush {
		if err := store.Set(ctx, key("flush"), []byte("x"), 0); err != nil {
			t.Fatalf("set flush failed: %v", err)
		}
		if err := store.Flush(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if _, ok, err := store.Get(ctx, key("flush")); err != nil || ok {
			t.Fatalf("expected flush to clear key; ok=%v err=%v", ok, err)
		}
		assertRange(t, store, key("list"), 0, -1)
	}
}

func assertRange(t *testing.T, store Store, key string, start, stop int64, want ...string) {
	t.Helper()
	items, err := store.Range(context.Background(), key, start, stop)
	if err != nil {
		t.Fatalf("range %s [%d,%d] failed: %v", key, start, stop, err)
	}
	got := make([]string, 0, len(items))
	for _, item := range items {
		got = append(got, string(item))
	}
	if strings.Join(got, ",") != strings.Join(want, ",") || len(got) != len(want) {
		t.Fatalf("range %s [%d,%d]: expected %q, got %q", key, start, stop, want, got)
	}
}

func waitForMiss(ctx context.Context, store Store, key string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("key %q still present after %s", key, wait)
	}
	return nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
