package callcache

import (
	"context"
	"time"
)

// Store is the key-value contract the facade and page cache are layered on.
//
// Get reports a missing key with ok=false rather than an error. Set with
// ttl <= 0 writes a value that never expires. Append and Range follow list
// semantics (RPUSH / LRANGE), including negative indexes counted from the end.
// Flush clears only the keys owned by this store's prefix.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	Append(ctx context.Context, key string, value []byte) (int64, error)
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Flush(ctx context.Context) error
	Close() error
}

// rangeBounds resolves LRANGE-style start/stop against a list of n items.
// It returns an empty window (lo >= hi) when nothing is selected.
func rangeBounds(n, start, stop int64) (lo, hi int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0
	}
	return start, stop + 1
}

func sliceRange(items [][]byte, start, stop int64) [][]byte {
	lo, hi := rangeBounds(int64(len(items)), start, stop)
	out := make([][]byte, 0, hi-lo)
	for _, item := range items[lo:hi] {
		out = append(out, cloneBytes(item))
	}
	return out
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func isExpired(ea int64) bool {
	return ea > 0 && time.Now().UnixMilli() > ea
}
