package callcache

import (
	"context"
	"time"
)

// errorStore is returned when a driver fails to initialize; it keeps the driver
// identity while surfacing the construction error on every call.
type errorStore struct {
	driver Driver
	err    error
}

func (e *errorStore) Driver() Driver                                    { return e.driver }
func (e *errorStore) Err() error                                        { return e.err }
func (e *errorStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, e.err }
func (e *errorStore) Set(context.Context, string, []byte, time.Duration) error {
	return e.err
}
func (e *errorStore) Increment(context.Context, string, int64) (int64, error) { return 0, e.err }
func (e *errorStore) Append(context.Context, string, []byte) (int64, error)   { return 0, e.err }
func (e *errorStore) Range(context.Context, string, int64, int64) ([][]byte, error) {
	return nil, e.err
}
func (e *errorStore) Flush(context.Context) error { return e.err }
func (e *errorStore) Close() error                { return nil }
