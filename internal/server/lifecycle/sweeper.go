package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"dropit/internal/server/metrics"
)

// ExpiredLister lists records that are no longer live at now.
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}

// SweepReport summarizes one sweep tick.
type SweepReport struct {
	Expired int
	Cleaned int
	Missing int
	Failed  int
}

// Sweeper periodically reclaims uploads that are no longer live. It shares
// nothing with request handlers besides the two stores.
type Sweeper struct {
	store     ExpiredLister
	reclaimer *Reclaimer
	interval  time.Duration
	metrics   *metrics.Lifecycle
	now       func() time.Time
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(store ExpiredLister, reclaimer *Reclaimer, interval time.Duration, m *metrics.Lifecycle) *Sweeper {
	return &Sweeper{
		store:     store,
		reclaimer: reclaimer,
		interval:  interval,
		metrics:   m,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("retention sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return nil
		}
	}
}

// RunOnce reclaims every record that is dead at the time of the call.
// A failure on one record is logged and the sweep moves on; the record is
// picked up again on the next tick.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	start := time.Now()
	defer func() { s.metrics.Swept(time.Since(start)) }()

	var report SweepReport
	expired, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		slog.Error("failed to list expired uploads", "error", err)
		return report
	}
	report.Expired = len(expired)
	if len(expired) == 0 {
		slog.Debug("no expired uploads to clean up")
		return report
	}

	for _, id := range expired {
		if ctx.Err() != nil {
			break
		}
		result, err := s.reclaimer.Reclaim(ctx, id, TriggerSweep)
		switch {
		case err != nil:
			report.Failed++
		case result == PartialFailure:
			report.Missing++
			report.Cleaned++
		case result == Reclaimed:
			report.Cleaned++
		}
	}

	slog.Info("cleanup cycle complete",
		"cleaned", report.Cleaned,
		"missing_blobs", report.Missing,
		"failed", report.Failed,
		"total_expired", report.Expired,
	)
	return report
}
