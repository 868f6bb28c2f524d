package callcache

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
)

// Fetcher retrieves the body of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (string, error)

// Fetch implements Fetcher.
// @group Page cache
func (f FetcherFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// HTTPFetcher fetches pages with a plain GET. The body is returned whatever
// the status code; only transport failures are errors.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher using client, or a pooled client with
// no shared global state when client is nil.
// @group Page cache
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPFetcher{client: client}
}

// Fetch implements Fetcher. ctx bounds the whole request including the body read.
// @group Page cache
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body of %s: %w", url, err)
	}
	return string(body), nil
}
