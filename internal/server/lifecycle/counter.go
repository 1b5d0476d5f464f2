package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dropit/internal/server/database"
	"dropit/internal/server/metrics"
)

// FetchOutcome is the post-fetch status of a served download.
type FetchOutcome int

const (
	ServedAndLive FetchOutcome = iota
	ServedAndReclaimed
	AlreadyDead
)

func (o FetchOutcome) String() string {
	switch o {
	case ServedAndLive:
		return "served_and_live"
	case ServedAndReclaimed:
		return "served_and_reclaimed"
	default:
		return "already_dead"
	}
}

// DownloadCounter enforces the optional per-record fetch allowance.
//
// Each read-decide-mutate step is a compare-and-swap against the store: a
// decrement only applies if the counter still holds the value that was read,
// and the final fetch's row delete only matches a counter of exactly 1.
// A lost race re-reads and decides again.
type DownloadCounter struct {
	store     MetadataStore
	reclaimer *Reclaimer
	metrics   *metrics.Lifecycle
}

// NewDownloadCounter creates a counter that reclaims through reclaimer.
func NewDownloadCounter(store MetadataStore, reclaimer *Reclaimer, m *metrics.Lifecycle) *DownloadCounter {
	return &DownloadCounter{store: store, reclaimer: reclaimer, metrics: m}
}

// AccountFetch records one completed fetch of id. It must be called after
// the blob was streamed to the client.
func (c *DownloadCounter) AccountFetch(ctx context.Context, id string) (FetchOutcome, error) {
	outcome, err := c.accountFetch(ctx, id)
	if err == nil {
		c.metrics.Fetched(outcome.String())
	}
	return outcome, err
}

func (c *DownloadCounter) accountFetch(ctx context.Context, id string) (FetchOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return AlreadyDead, err
		}

		upload, err := c.store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, database.ErrUploadNotFound) {
				return AlreadyDead, nil
			}
			return AlreadyDead, storeErr("read download counter", err)
		}

		remaining := upload.DownloadsRemaining
		switch {
		case remaining == nil:
			return ServedAndLive, nil

		case *remaining == 0:
			c.metrics.Inconsistent()
			slog.Error("served an upload whose download counter was already zero",
				"upload_id", id,
			)
			return AlreadyDead, fmt.Errorf("%w: upload %s served with zero downloads remaining",
				ErrInternalConsistency, id)

		case *remaining == 1:
			result, err := c.reclaimer.reclaimFinal(ctx, id)
			if err != nil {
				return AlreadyDead, err
			}
			if result == NotFound {
				// Another fetch reclaimed it, or the row changed; decide again.
				continue
			}
			return ServedAndReclaimed, nil

		default:
			next := *remaining - 1
			ok, err := c.store.UpdateDownloadsIf(ctx, id, remaining, &next)
			if err != nil {
				return AlreadyDead, storeErr("decrement download counter", err)
			}
			if ok {
				return ServedAndLive, nil
			}
		}
	}
}
