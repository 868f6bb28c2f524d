package callcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryList is the in-process representation of a list key.
type memoryList [][]byte

type memoryStore struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

func newMemoryStore(cleanupInterval time.Duration) Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultMemoryCleanupInterval
	}
	return &memoryStore{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (s *memoryStore) Driver() Driver {
	return DriverMemory
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("memory key %q does not hold a scalar value", key)
	}
	return cloneBytes(body), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.cache.Set(key, cloneBytes(value), memoryTTL(ttl))
	return nil
}

func (s *memoryStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	expiration := gocache.NoExpiration
	if item, exp, ok := s.cache.GetWithExpiration(key); ok {
		body, isBytes := item.([]byte)
		if !isBytes {
			return 0, fmt.Errorf("memory key %q: %w", key, ErrNotNumeric)
		}
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memory key %q: %w", key, ErrNotNumeric)
		}
		current = n
		if !exp.IsZero() {
			expiration = time.Until(exp)
		}
	}
	next := current + delta
	s.cache.Set(key, []byte(strconv.FormatInt(next, 10)), expiration)
	return next, nil
}

func (s *memoryStore) Append(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list memoryList
	if item, ok := s.cache.Get(key); ok {
		existing, isList := item.(memoryList)
		if !isList {
			return 0, fmt.Errorf("memory key %q does not hold a list", key)
		}
		list = existing
	}
	list = append(list, cloneBytes(value))
	s.cache.Set(key, list, gocache.NoExpiration)
	return int64(len(list)), nil
}

func (s *memoryStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.cache.Get(key)
	if !ok {
		return [][]byte{}, nil
	}
	list, isList := item.(memoryList)
	if !isList {
		return nil, fmt.Errorf("memory key %q does not hold a list", key)
	}
	return sliceRange(list, start, stop), nil
}

func (s *memoryStore) Flush(_ context.Context) error {
	s.cache.Flush()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func memoryTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}
