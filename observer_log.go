package callcache

import (
	"context"
	"time"

	"github.com/apex/log"
)

// logObserver writes one structured entry per operation.
type logObserver struct {
	logger log.Interface
}

// NewLogObserver returns an Observer that logs through logger, or the
// package-level apex logger when logger is nil. Successful operations log at
// debug level and failures at warn level.
// @group Observability
func NewLogObserver(logger log.Interface) Observer {
	if logger == nil {
		logger = log.Log
	}
	return &logObserver{logger: logger}
}

func (o *logObserver) OnStoreOp(_ context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
	entry := o.logger.WithFields(log.Fields{
		"op":       op,
		"key":      key,
		"hit":      hit,
		"driver":   string(driver),
		"duration": dur,
	})
	if err != nil {
		entry.WithError(err).Warn("store op failed")
		return
	}
	entry.Debug("store op")
}
