package callcache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPrefix                = "app"
	defaultPageTTL               = 10 * time.Second
	defaultMemoryCleanupInterval = 10 * time.Minute
	defaultSQLTable              = "callcache_entries"
	defaultNATSBucket            = "callcache"
	defaultDynamoTable           = "callcache"
	defaultDynamoRegion          = "us-east-1"
)

// StoreConfig controls how a Store is constructed.
type StoreConfig struct {
	Driver Driver `yaml:"driver"`

	// Prefix scopes every key so Flush only touches this store's data.
	Prefix string `yaml:"prefix"`

	// MemoryCleanupInterval controls in-process eviction sweeps.
	MemoryCleanupInterval time.Duration `yaml:"memory_cleanup_interval"`

	// RedisClient takes precedence over RedisAddr when set.
	RedisClient   RedisClient `yaml:"-"`
	RedisAddr     string      `yaml:"redis_addr"`
	RedisPassword string      `yaml:"redis_password"`
	RedisDB       int         `yaml:"redis_db"`

	// SQLDriverName is one of sqlite, pgx/postgres or mysql.
	SQLDriverName string `yaml:"sql_driver"`
	SQLDSN        string `yaml:"sql_dsn"`
	SQLTable      string `yaml:"sql_table"`

	// NATSKeyValue takes precedence over NATSURL when set.
	NATSKeyValue NATSKeyValue `yaml:"-"`
	NATSURL      string       `yaml:"nats_url"`
	NATSBucket   string       `yaml:"nats_bucket"`

	// DynamoClient takes precedence over the region/endpoint settings when set.
	DynamoClient   DynamoAPI `yaml:"-"`
	DynamoTable    string    `yaml:"dynamo_table"`
	DynamoRegion   string    `yaml:"dynamo_region"`
	DynamoEndpoint string    `yaml:"dynamo_endpoint"`
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.NATSBucket == "" {
		c.NATSBucket = defaultNATSBucket
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	return c
}

// LoadConfig reads a YAML store configuration from path.
func LoadConfig(path string) (StoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StoreConfig{}, fmt.Errorf("read store config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML store configuration. Durations use Go syntax ("10m").
func ParseConfig(data []byte) (StoreConfig, error) {
	var cfg StoreConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StoreConfig{}, fmt.Errorf("parse store config: %w", err)
	}
	switch cfg.Driver {
	case "", DriverNull, DriverMemory, DriverRedis, DriverSQL, DriverNATS, DriverDynamo:
	default:
		return StoreConfig{}, fmt.Errorf("parse store config: unknown driver %q", cfg.Driver)
	}
	return cfg, nil
}
