package callcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient captures the subset of redis.Client used by the store.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

type redisStore struct {
	client RedisClient
	prefix string
}

func newRedisStore(client RedisClient, prefix string) Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

// dialRedis builds a client from address settings and checks it is reachable.
func dialRedis(ctx context.Context, cfg StoreConfig) (RedisClient, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis driver requires a client or address: %w", ErrStoreUnavailable)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func (s *redisStore) Driver() Driver {
	return DriverRedis
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, ErrStoreUnavailable
	}
	value, err := s.client.Get(ctx, s.storeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.client == nil {
		return ErrStoreUnavailable
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.storeKey(key), value, ttl).Err()
}

func (s *redisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if s.client == nil {
		return 0, ErrStoreUnavailable
	}
	value, err := s.client.IncrBy(ctx, s.storeKey(key), delta).Result()
	if err != nil {
		if isRedisNotInteger(err) {
			return 0, fmt.Errorf("redis key %q: %w", key, ErrNotNumeric)
		}
		return 0, err
	}
	return value, nil
}

func (s *redisStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	if s.client == nil {
		return 0, ErrStoreUnavailable
	}
	return s.client.RPush(ctx, s.storeKey(key), value).Result()
}

func (s *redisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if s.client == nil {
		return nil, ErrStoreUnavailable
	}
	values, err := s.client.LRange(ctx, s.storeKey(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(values))
	for _, value := range values {
		out = append(out, []byte(value))
	}
	return out, nil
}

func (s *redisStore) Flush(ctx context.Context) error {
	if s.client == nil {
		return ErrStoreUnavailable
	}
	pattern := s.storeKey("*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisStore) storeKey(key string) string {
	return s.prefix + ":" + key
}

func isRedisNotInteger(err error) bool {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	return strings.Contains(redisErr.Error(), "not an integer")
}
