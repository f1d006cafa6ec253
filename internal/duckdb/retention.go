package duckdb

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetentionConfig configures NewRetentionCleaner.
type RetentionConfig struct {
	// RetentionDays is how long runs are kept; 0 disables expiry.
	RetentionDays int
	// Interval between sweeps; defaults to one hour.
	Interval time.Duration
	Logger   *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// RetentionCleaner expires runs whose CreatedAt is older than the retention
// period.
type RetentionCleaner struct {
	store *Store
	keep  time.Duration
	every time.Duration
	now   func() time.Time
	log   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionCleaner sweeps once immediately, so expiry catches up after
// downtime, then on every interval. It returns nil when retention is disabled.
func NewRetentionCleaner(store *Store, cfg RetentionConfig) *RetentionCleaner {
	if cfg.RetentionDays <= 0 {
		return nil
	}
	rc := &RetentionCleaner{
		store: store,
		keep:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		every: cfg.Interval,
		now:   cfg.Now,
		log:   store.log,
	}
	if rc.every <= 0 {
		rc.every = time.Hour
	}
	if rc.now == nil {
		rc.now = time.Now
	}
	if cfg.Logger != nil {
		rc.log = cfg.Logger.With("component", "duckdb")
	}

	rc.Sweep()

	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		ticker := time.NewTicker(rc.every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rc.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	return rc
}

// Sweep deletes expired runs and returns how many were removed.
func (rc *RetentionCleaner) Sweep() int64 {
	cutoff := rc.now().Add(-rc.keep)
	n, err := rc.store.DeleteRunsBefore(cutoff)
	if err != nil {
		rc.log.Error("run expiry failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		rc.log.Info("expired runs deleted", "runs", n, "cutoff", cutoff)
	}
	return n
}

// Stop ends the sweep loop. It is safe to call more than once.
func (rc *RetentionCleaner) Stop() {
	rc.cancel()
	rc.wg.Wait()
}
