package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time so polling and timeout logic can be driven
// deterministically in tests instead of waiting on real timers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of time.Ticker the schedulers need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// NewRealClock returns a Clock backed by the system clock.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Repeat runs fn on every interval tick until ctx is cancelled. The first run
// happens on the first tick, not immediately. Errors are logged and do not
// stop the loop.
func Repeat(ctx context.Context, clock Clock, interval time.Duration, name string, logger *zap.SugaredLogger, fn func(context.Context) error) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := fn(ctx); err != nil {
				if logger != nil {
					logger.Warnw("Scheduled task failed", "task", name, "error", err)
				}
			}
		}
	}
}
