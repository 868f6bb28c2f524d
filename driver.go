package callcache

// Driver identifies the backing store.
type Driver string

const (
	DriverNull   Driver = "null"
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
	DriverSQL    Driver = "sql"
	DriverNATS   Driver = "nats"
	DriverDynamo Driver = "dynamodb"
)
