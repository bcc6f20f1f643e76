package metrics

import (
	"context"
	"time"

	"meetingbot/internal/logging"
	"meetingbot/internal/store"
	"meetingbot/pkg/meeting"
)

// platforms lists every value meeting.Platform can take; the gauge is
// reset across all of them on every tick so a platform that drops to zero
// active bots is reported as zero, not left stale at its last nonzero read.
var platforms = []meeting.Platform{
	meeting.PlatformGoogleMeet,
	meeting.PlatformZoom,
	meeting.PlatformTeams,
}

// Collector periodically refreshes gauges that reflect the database's
// current state rather than a single state change — the active-bots count
// needs to match whatever the table shows right now, not just whatever
// transition this process happened to apply. Grounded on the teacher's
// BusinessMetricsCollector (internal/metrics/collector.go), narrowed from
// its five metric families down to this domain's one gauge.
type Collector struct {
	store    *store.Store
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector builds a Collector that refreshes gauges every interval.
func NewCollector(st *store.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    st,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in the background; it returns immediately.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		c.collect(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	for _, p := range platforms {
		count, err := c.store.CountActiveForPlatform(ctx, p)
		if err != nil {
			logging.S().Warnw("metrics collector: count active bots failed", "platform", p, "error", err)
			continue
		}
		c.metrics.SetActiveBots(string(p), count)
	}
}
