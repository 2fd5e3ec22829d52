package logbook

import (
	"context"
	"time"

	"github.com/loykin/cryorun/internal/state"
)

// Live appends one tick of every instrument's current values to the store's
// bounded in-memory series. A fresh Run resets the series so plots start at
// elapsed zero.
type Live struct {
	store  *state.Store
	period time.Duration
}

func NewLive(store *state.Store, period time.Duration) *Live {
	if period <= 0 {
		period = DefaultPeriod
	}
	if period < MinPeriod {
		period = MinPeriod
	}
	return &Live{store: store, period: period}
}

func (l *Live) Period() time.Duration { return l.period }

// Run resets the live series and ticks until ctx is cancelled.
func (l *Live) Run(ctx context.Context) {
	l.store.LiveReset()
	t := time.NewTicker(l.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.store.LiveAppendTick()
		}
	}
}
