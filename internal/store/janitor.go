package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Janitor periodically removes finished runs older than the retention.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewJanitor returns a janitor that prunes every interval. A zero interval
// picks one from the retention, between a minute and an hour.
func NewJanitor(s *Store, retention, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = min(max(retention/24, time.Minute), time.Hour)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Janitor{store: s, retention: retention, interval: interval, clock: clk, logger: logger}
}

// Run prunes once right away and then on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j.retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()
	for {
		j.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce removes runs that ended before now minus the retention.
func (j *Janitor) PruneOnce(ctx context.Context) int {
	n, err := j.store.PruneRuns(ctx, j.clock.Now().Add(-j.retention))
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("prune runs", "err", err)
		}
		return 0
	}
	if n > 0 {
		j.logger.Info("pruned finished runs", "count", n, "retention", j.retention)
	}
	return n
}
