package lifecycle

import (
	"context"
	"time"

	"dropit/internal/server/database"
)

// Limits are the admission ceilings.
type Limits struct {
	OriginSize      int64
	OriginFileCount int64
	GlobalSize      int64
}

// UsageReader sums the live uploads of an origin, or of everyone for "".
type UsageReader interface {
	SumSizeAndCount(ctx context.Context, origin string, now time.Time) (database.Usage, error)
}

// QuotaTracker answers whether an origin may store more bytes. Usage is
// recomputed from live records on every call.
type QuotaTracker struct {
	store  UsageReader
	limits Limits
}

// NewQuotaTracker creates a tracker enforcing limits.
func NewQuotaTracker(store UsageReader, limits Limits) *QuotaTracker {
	return &QuotaTracker{store: store, limits: limits}
}

// AdmitAt reads the usage of the records live at now and checks it against
// the ceilings. It is advisory: the insert path repeats Check atomically via
// Guard.
func (q *QuotaTracker) AdmitAt(ctx context.Context, origin string, size int64, now time.Time) error {
	originUsage, err := q.store.SumSizeAndCount(ctx, origin, now)
	if err != nil {
		return storeErr("sum origin usage", err)
	}
	global, err := q.store.SumSizeAndCount(ctx, "", now)
	if err != nil {
		return storeErr("sum global usage", err)
	}
	return q.Check(origin, size, originUsage, global)
}

// Check applies the three ceilings in order; the first one crossed is reported.
func (q *QuotaTracker) Check(origin string, size int64, originUsage, global database.Usage) error {
	switch {
	case originUsage.Bytes+size > q.limits.OriginSize:
		return &AdmissionError{Reason: OriginQuotaExceeded, Origin: origin}
	case originUsage.Count+1 > q.limits.OriginFileCount:
		return &AdmissionError{Reason: OriginFileCountExceeded, Origin: origin}
	case global.Bytes+size > q.limits.GlobalSize:
		return &AdmissionError{Reason: GlobalQuotaExceeded, Origin: origin}
	}
	return nil
}

// Guard returns an admission callback for MetadataStore.InsertAdmitted.
func (q *QuotaTracker) Guard(origin string, size int64) database.AdmitFunc {
	return func(originUsage, global database.Usage) error {
		return q.Check(origin, size, originUsage, global)
	}
}
