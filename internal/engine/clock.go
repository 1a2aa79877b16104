package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// Clock drives the session countdown against wall-clock time. It ticks at
// the configured interval but decrements by the number of whole seconds
// actually elapsed since the previous tick, so a delayed or missed tick
// catches up instead of silently stretching paid time.
type Clock struct {
	ledger    *Ledger
	interval  time.Duration
	onExpired func(expired []*models.ClientSession)
}

// NewClock creates a clock over the ledger. onExpired receives snapshots of
// sessions that ran out on a tick, after the ledger already transitioned
// them.
func NewClock(ledger *Ledger, interval time.Duration, onExpired func([]*models.ClientSession)) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{ledger: ledger, interval: interval, onExpired: onExpired}
}

// Run ticks until the context is cancelled
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := int64(now.Sub(last) / time.Second)
			if elapsed <= 0 {
				continue
			}
			// Advance by whole seconds only, keeping the remainder for the
			// next tick
			last = last.Add(time.Duration(elapsed) * time.Second)

			if elapsed > 1 {
				log.Debug().Int64("seconds", elapsed).Msg("Session clock catching up")
			}

			expired := c.ledger.Age(elapsed)
			if len(expired) > 0 && c.onExpired != nil {
				c.onExpired(expired)
			}
		}
	}
}
