package callcache

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PageCache fronts a Fetcher with a short-lived per-URL body cache and an
// access counter. The counter tracks accesses since the last refetch: it is
// bumped on every lookup and reset to zero whenever the body is refetched.
type PageCache struct {
	store    Store
	fetcher  Fetcher
	ttl      time.Duration
	observer Observer
}

// PageOption configures a PageCache.
type PageOption func(*PageCache)

// WithFetcher replaces the default HTTP fetcher.
// @group Page cache
func WithFetcher(f Fetcher) PageOption {
	return func(p *PageCache) {
		if f != nil {
			p.fetcher = f
		}
	}
}

// WithHTTPClient fetches pages with client.
// @group Page cache
func WithHTTPClient(client *http.Client) PageOption {
	return func(p *PageCache) {
		p.fetcher = NewHTTPFetcher(client)
	}
}

// WithPageTTL overrides how long a fetched body is served from cache.
// @group Page cache
func WithPageTTL(ttl time.Duration) PageOption {
	return func(p *PageCache) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithPageObserver attaches an observer to receive page and fetch events.
// @group Page cache
func WithPageObserver(o Observer) PageOption {
	return func(p *PageCache) {
		p.observer = o
	}
}

// NewPageCache returns a page cache over store. Bodies are kept for 10
// seconds unless WithPageTTL says otherwise.
// @group Page cache
//
// Example: cached fetch
//
//	ctx := context.Background()
//	pages := callcache.NewPageCache(callcache.NewMemoryStore(ctx))
//	body, err := pages.GetPage(ctx, "http://example.com")
//	fmt.Println(err == nil, len(body) > 0)
func NewPageCache(store Store, opts ...PageOption) *PageCache {
	p := &PageCache{
		store: store,
		ttl:   defaultPageTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(nil)
	}
	return p
}

// GetPage returns the body of url, serving it from cache while the cached
// copy is fresh. Fetch failures propagate unchanged and are not retried.
// @group Page cache
func (p *PageCache) GetPage(ctx context.Context, url string) (string, error) {
	start := time.Now()
	countKey, resultKey := pageKeys(url)

	if _, err := p.store.Increment(ctx, countKey, 1); err != nil {
		p.observe(ctx, "page", url, false, err, start)
		return "", fmt.Errorf("count access to %s: %w", url, err)
	}
	cached, ok, err := p.store.Get(ctx, resultKey)
	if err != nil {
		p.observe(ctx, "page", url, false, err, start)
		return "", fmt.Errorf("read cached page %s: %w", url, err)
	}
	if ok {
		p.observe(ctx, "page", url, true, nil, start)
		return string(cached), nil
	}

	fetchStart := time.Now()
	body, err := p.fetcher.Fetch(ctx, url)
	p.observe(ctx, "fetch", url, false, err, fetchStart)
	if err != nil {
		p.observe(ctx, "page", url, false, err, start)
		return "", err
	}
	if err := p.store.Set(ctx, countKey, []byte("0"), 0); err != nil {
		p.observe(ctx, "page", url, false, err, start)
		return "", fmt.Errorf("reset access count of %s: %w", url, err)
	}
	if err := p.store.Set(ctx, resultKey, []byte(body), p.ttl); err != nil {
		p.observe(ctx, "page", url, false, err, start)
		return "", fmt.Errorf("cache page %s: %w", url, err)
	}
	p.observe(ctx, "page", url, false, nil, start)
	return body, nil
}

// AccessCount returns the number of GetPage calls for url since its last refetch.
// @group Page cache
func (p *PageCache) AccessCount(ctx context.Context, url string) (int64, error) {
	countKey, _ := pageKeys(url)
	body, ok, err := p.store.Get(ctx, countKey)
	if err != nil || !ok {
		return 0, err
	}
	return DecodeInt(body)
}

func (p *PageCache) observe(ctx context.Context, op, url string, hit bool, err error, start time.Time) {
	observe(ctx, p.observer, op, url, hit, err, start, p.store.Driver())
}

func pageKeys(url string) (string, string) {
	return "count:" + url, "result:" + url
}
