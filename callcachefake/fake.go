package callcachefake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goforj/callcache"
)

// Op identifies a store or fetch operation for assertions.
type Op string

const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpInc    Op = "inc"
	OpAppend Op = "append"
	OpRange  Op = "range"
	OpFlush  Op = "flush"
	OpFetch  Op = "fetch"
)

// Fake exposes a deterministic in-memory store, a scripted page fetcher and
// assertion helpers for tests. No external services are needed.
type Fake struct {
	store  *countingStore
	cache  *callcache.Cache
	pages  *callcache.PageCache
	bodies map[string]string
	errs   map[string]error
	counts map[Op]map[string]int
	mu     sync.Mutex
}

// New creates a Fake backed by an in-memory store.
func New(opts ...callcache.PageOption) *Fake {
	ctx := context.Background()
	f := &Fake{
		bodies: make(map[string]string),
		errs:   make(map[string]error),
		counts: make(map[Op]map[string]int),
	}
	f.store = &countingStore{inner: callcache.NewMemoryStore(ctx), onCount: f.record}

	c, err := callcache.NewCache(ctx, f.store)
	if err != nil {
		// The memory store cannot fail to flush.
		panic(fmt.Sprintf("callcachefake: %v", err))
	}
	f.cache = c
	f.pages = callcache.NewPageCache(f.store, append([]callcache.PageOption{callcache.WithFetcher(callcache.FetcherFunc(f.fetch))}, opts...)...)
	f.Reset()
	return f
}

// Cache returns the facade to inject into code under test.
func (f *Fake) Cache() *callcache.Cache { return f.cache }

// Pages returns the page cache wired to the scripted fetcher.
func (f *Fake) Pages() *callcache.PageCache { return f.pages }

// Store returns the counting store shared by Cache and Pages.
func (f *Fake) Store() callcache.Store { return f.store }

// SetPage scripts the body served for url.
func (f *Fake) SetPage(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[url] = body
	delete(f.errs, url)
}

// FailPage makes fetches of url return err.
func (f *Fake) FailPage(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

// Reset clears recorded counts.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
}

// AssertCalled verifies key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures key was never touched by op.
func (f *Fake) AssertNotCalled(t *testing.T, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		return 0
	}
	return f.counts[op][key]
}

// Total returns total calls for an op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int
	for _, v := range f.counts[op] {
		sum += v
	}
	return sum
}

func (f *Fake) fetch(_ context.Context, url string) (string, error) {
	f.record(OpFetch, url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	body, ok := f.bodies[url]
	if !ok {
		return "", fmt.Errorf("callcachefake: no page scripted for %s", url)
	}
	return body, nil
}

func (f *Fake) record(op Op, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
}

// countingStore wraps a Store to record calls.
type countingStore struct {
	inner   callcache.Store
	onCount func(Op, string)
}

func (s *countingStore) Driver() callcache.Driver { return s.inner.Driver() }

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.bump(OpGet, key)
	return s.inner.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	s.bump(OpSet, key)
	return s.inner.Set(ctx, key, val, ttl)
}

func (s *countingStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.bump(OpInc, key)
	return s.inner.Increment(ctx, key, delta)
}

func (s *countingStore) Append(ctx context.Context, key string, val []byte) (int64, error) {
	s.bump(OpAppend, key)
	return s.inner.Append(ctx, key, val)
}

func (s *countingStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.bump(OpRange, key)
	return s.inner.Range(ctx, key, start, stop)
}

func (s *countingStore) Flush(ctx context.Context) error {
	s.bump(OpFlush, "")
	return s.inner.Flush(ctx)
}

func (s *countingStore) Close() error { return s.inner.Close() }

func (s *countingStore) bump(op Op, key string) {
	if s.onCount != nil {
		s.onCount(op, key)
	}
}
