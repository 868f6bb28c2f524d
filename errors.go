package callcache

import "errors"

var (
	// ErrStoreUnavailable is returned when a driver has no client to talk to.
	ErrStoreUnavailable = errors.New("callcache: backing store unavailable")

	// ErrUnsupportedValue is returned when Store is given a value it cannot encode.
	ErrUnsupportedValue = errors.New("callcache: unsupported value type")

	// ErrNotNumeric is returned when a counter key holds a non-integer value.
	ErrNotNumeric = errors.New("callcache: value is not an integer")
)
