package callcache

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// storeOp is the operation name under which Cache.Store calls are recorded.
const storeOp = "store"

// Cache stores values under generated keys and records every Store call
// (count, arguments and returned key) in the backing store so it can be
// replayed later.
type Cache struct {
	store     Store
	observer  Observer
	logger    log.Interface
	newKey    func() string
	storeCall Call[string]
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithObserver attaches an observer to receive operation events.
// @group Cache
func WithObserver(o Observer) CacheOption {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithLogger sets the logger that receives replay summaries. Nil keeps the
// default apex logger.
// @group Cache
func WithLogger(logger log.Interface) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithKeyGenerator replaces the random UUID key generator.
// @group Cache
func WithKeyGenerator(fn func() string) CacheOption {
	return func(c *Cache) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// NewCache binds a facade to store and flushes the store's key scope so
// counters and histories start empty.
// @group Cache
//
// Example: store and replay
//
//	ctx := context.Background()
//	c, _ := callcache.NewCache(ctx, callcache.NewMemoryStore(ctx))
//	key, _ := c.Store(ctx, "hello")
//	s, _, _ := c.GetString(ctx, key)
//	fmt.Println(s) // hello
//	_, _ = c.Replay(ctx, os.Stdout, "store") // store(('hello',)) -> <key>
func NewCache(ctx context.Context, store Store, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		store:  store,
		logger: log.Log,
		newKey: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	start := time.Now()
	err := store.Flush(ctx)
	observe(ctx, c.observer, "flush", "", false, err, start, store.Driver())
	if err != nil {
		return nil, fmt.Errorf("flush store: %w", err)
	}
	c.storeCall = Instrument[string](store, storeOp, c.storeValue)
	return c, nil
}

// Backend returns the underlying store implementation.
// @group Cache
func (c *Cache) Backend() Store {
	return c.store
}

// Driver reports the underlying store driver.
// @group Cache
func (c *Cache) Driver() Driver {
	return c.store.Driver()
}

// Store writes value under a freshly generated key and returns the key.
// value must be a []byte, string, integer or float. Each call is counted and
// its argument and result are appended to the "store" history.
// @group Cache
func (c *Cache) Store(ctx context.Context, value any) (string, error) {
	start := time.Now()
	if _, err := encodeValue(value); err != nil {
		observe(ctx, c.observer, storeOp, "", false, err, start, c.Driver())
		return "", err
	}
	key, err := c.storeCall(ctx, value)
	observe(ctx, c.observer, storeOp, key, false, err, start, c.Driver())
	return key, err
}

func (c *Cache) storeValue(ctx context.Context, args ...any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("store expects one value, got %d", len(args))
	}
	body, err := encodeValue(args[0])
	if err != nil {
		return "", err
	}
	key := c.newKey()
	if err := c.store.Set(ctx, key, body, 0); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the raw bytes stored under key. A missing key reports ok=false.
// @group Cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	body, ok, err := c.store.Get(ctx, key)
	observe(ctx, c.observer, "get", key, ok, err, start, c.Driver())
	return body, ok, err
}

// GetString returns the value under key decoded as UTF-8.
// @group Cache
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	return GetAs(ctx, c, key, DecodeString)
}

// GetInt returns the value under key decoded as a base-10 integer.
// @group Cache
func (c *Cache) GetInt(ctx context.Context, key string) (int64, bool, error) {
	return GetAs(ctx, c, key, DecodeInt)
}

// GetFloat returns the value under key decoded as a float.
// @group Cache
func (c *Cache) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	return GetAs(ctx, c, key, DecodeFloat)
}

// GetAs reads key and converts it with decode. A missing key reports ok=false
// without calling decode; a nil decode is an error.
// @group Cache
func GetAs[T any](ctx context.Context, c *Cache, key string, decode func([]byte) (T, error)) (T, bool, error) {
	var zero T
	if decode == nil {
		return zero, false, fmt.Errorf("get %q: decode function is required", key)
	}
	body, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := decode(body)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// Calls returns how many times the named operation has been invoked.
// @group Cache
func (c *Cache) Calls(ctx context.Context, name string) (int64, error) {
	return readCounter(ctx, c.store, name)
}

// History returns the recorded call log for the named operation.
// @group Cache
func (c *Cache) History(ctx context.Context, name string) (History, error) {
	return ReadHistory(ctx, c.store, name)
}

// Replay writes the recorded calls of the named operation to w and returns
// the number of lines written.
// @group Cache
func (c *Cache) Replay(ctx context.Context, w io.Writer, name string) (int, error) {
	start := time.Now()
	n, err := replay(ctx, c.store, w, name, c.logger)
	observe(ctx, c.observer, "replay", name, n > 0, err, start, c.Driver())
	return n, err
}

// Close releases the backing store.
// @group Cache
func (c *Cache) Close() error {
	return c.store.Close()
}
