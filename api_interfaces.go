package callcache

import (
	"context"
	"io"
)

// CoreAPI exposes basic facade metadata and lifecycle.
type CoreAPI interface {
	Driver() Driver
	Backend() Store
	Close() error
}

// ReadAPI exposes read operations with optional decoding.
type ReadAPI interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetString(ctx context.Context, key string) (string, bool, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	GetFloat(ctx context.Context, key string) (float64, bool, error)
}

// WriteAPI exposes the instrumented write.
type WriteAPI interface {
	Store(ctx context.Context, value any) (string, error)
}

// ReplayAPI exposes call counters and call history.
type ReplayAPI interface {
	Calls(ctx context.Context, name string) (int64, error)
	History(ctx context.Context, name string) (History, error)
	Replay(ctx context.Context, w io.Writer, name string) (int, error)
}

// CacheAPI is the composed application-facing interface for Cache.
type CacheAPI interface {
	CoreAPI
	ReadAPI
	WriteAPI
	ReplayAPI
}

// PageAPI is the application-facing interface for PageCache.
type PageAPI interface {
	GetPage(ctx context.Context, url string) (string, error)
	AccessCount(ctx context.Context, url string) (int64, error)
}

var (
	_ CacheAPI = (*Cache)(nil)
	_ PageAPI  = (*PageCache)(nil)
)
