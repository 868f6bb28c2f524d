package callcache

import "time"

// StoreOption mutates StoreConfig when constructing a store.
type StoreOption func(StoreConfig) StoreConfig

// WithPrefix sets the key prefix that scopes the store.
func WithPrefix(prefix string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.Prefix = prefix
		return cfg
	}
}

// WithMemoryCleanupInterval overrides the sweep interval for the memory driver.
func WithMemoryCleanupInterval(interval time.Duration) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.MemoryCleanupInterval = interval
		return cfg
	}
}

// WithRedisClient sets the redis client used by DriverRedis.
func WithRedisClient(client RedisClient) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.RedisClient = client
		return cfg
	}
}

// WithRedisAddr configures DriverRedis to dial addr when no client is supplied.
func WithRedisAddr(addr string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.RedisAddr = addr
		return cfg
	}
}

// WithSQL configures DriverSQL.
func WithSQL(driverName, dsn string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.SQLDriverName = driverName
		cfg.SQLDSN = dsn
		return cfg
	}
}

// WithSQLTable overrides the entry table name for DriverSQL.
func WithSQLTable(table string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.SQLTable = table
		return cfg
	}
}

// WithNATSKeyValue sets the JetStream key-value bucket used by DriverNATS.
func WithNATSKeyValue(kv NATSKeyValue) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.NATSKeyValue = kv
		return cfg
	}
}

// WithDynamoClient sets the DynamoDB client used by DriverDynamo.
func WithDynamoClient(client DynamoAPI) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DynamoClient = client
		return cfg
	}
}

// WithDynamoTable overrides the DynamoDB table name.
func WithDynamoTable(table string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DynamoTable = table
		return cfg
	}
}
