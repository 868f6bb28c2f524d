package callcache

import (
	"context"
	"fmt"
)

// NewStore returns a concrete store for the requested driver.
// A driver that cannot be constructed yields a store that reports the
// construction error on every call; use StoreErr to inspect it up front.
//
// Example: select driver explicitly
//
//	ctx := context.Background()
//	store := callcache.NewStore(ctx, callcache.StoreConfig{
//		Driver: callcache.DriverMemory,
//	})
//	fmt.Println(store.Driver()) // memory
func NewStore(ctx context.Context, cfg StoreConfig) Store {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverNull:
		return newNullStore()
	case DriverRedis:
		client := cfg.RedisClient
		if client == nil {
			dialed, err := dialRedis(ctx, cfg)
			if err != nil {
				return &errorStore{driver: DriverRedis, err: err}
			}
			client = dialed
		}
		return newRedisStore(client, cfg.Prefix)
	case DriverSQL:
		store, err := newSQLStore(ctx, cfg)
		if err != nil {
			return &errorStore{driver: DriverSQL, err: fmt.Errorf("open sql store: %w", err)}
		}
		return store
	case DriverNATS:
		if cfg.NATSKeyValue != nil {
			return newNATSStore(cfg.NATSKeyValue, cfg.Prefix)
		}
		store, err := dialNATS(cfg)
		if err != nil {
			return &errorStore{driver: DriverNATS, err: err}
		}
		return store
	case DriverDynamo:
		store, err := newDynamoStore(ctx, cfg)
		if err != nil {
			return &errorStore{driver: DriverDynamo, err: fmt.Errorf("open dynamodb store: %w", err)}
		}
		return store
	default:
		return newMemoryStore(cfg.MemoryCleanupInterval)
	}
}

// NewStoreWith builds a store using a driver and a set of functional options.
//
// Example: redis store (options)
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
//	store := callcache.NewStoreWith(ctx, callcache.DriverRedis,
//		callcache.WithRedisClient(redisClient),
//		callcache.WithPrefix("app"),
//	)
//	fmt.Println(store.Driver()) // redis
func NewStoreWith(ctx context.Context, driver Driver, opts ...StoreOption) Store {
	cfg := StoreConfig{Driver: driver}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return NewStore(ctx, cfg)
}

// NewMemoryStore is a convenience for an in-process store.
func NewMemoryStore(ctx context.Context, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverMemory, opts...)
}

// NewRedisStore is a convenience for a redis-backed store. The client is required.
func NewRedisStore(ctx context.Context, client RedisClient, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverRedis, append([]StoreOption{WithRedisClient(client)}, opts...)...)
}

// NewSQLStore is a convenience for a database/sql-backed store.
// driverName is one of "sqlite", "pgx" or "mysql".
func NewSQLStore(ctx context.Context, driverName, dsn string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverSQL, append([]StoreOption{WithSQL(driverName, dsn)}, opts...)...)
}

// NewNATSStore is a convenience for a JetStream key-value store.
func NewNATSStore(ctx context.Context, kv NATSKeyValue, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverNATS, append([]StoreOption{WithNATSKeyValue(kv)}, opts...)...)
}

// NewDynamoStore is a convenience for a DynamoDB-backed store.
func NewDynamoStore(ctx context.Context, client DynamoAPI, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverDynamo, append([]StoreOption{WithDynamoClient(client)}, opts...)...)
}

// StoreErr reports the construction error of a store returned by NewStore, if any.
func StoreErr(store Store) error {
	if es, ok := store.(*errorStore); ok {
		return es.err
	}
	return nil
}
