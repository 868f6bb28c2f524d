package callcache

import (
	"context"
	"time"
)

// Observer receives events for facade and page-cache operations.
// It is called after each operation completes.
type Observer interface {
	OnStoreOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)

// OnStoreOp implements Observer.
// @group Observability
func (f ObserverFunc) OnStoreOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
	if f == nil {
		return
	}
	f(ctx, op, key, hit, err, dur, driver)
}

func observe(ctx context.Context, o Observer, op, key string, hit bool, err error, start time.Time, driver Driver) {
	if o == nil {
		return
	}
	o.OnStoreOp(ctx, op, key, hit, err, time.Since(start), driver)
}
