package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"dropit/internal/server/database"
	"dropit/internal/server/metrics"
	"dropit/internal/server/storage"
)

// ReclaimResult is the outcome of a reclaim.
type ReclaimResult int

const (
	Reclaimed ReclaimResult = iota
	NotFound
	PartialFailure
)

func (r ReclaimResult) String() string {
	switch r {
	case Reclaimed:
		return "reclaimed"
	case NotFound:
		return "not_found"
	default:
		return "partial_failure"
	}
}

// Trigger labels what asked for a reclaim.
type Trigger string

const (
	TriggerSweep     Trigger = "sweep"
	TriggerDownloads Trigger = "downloads"
	TriggerRevoke    Trigger = "revoke"
	TriggerRepair    Trigger = "repair"
	TriggerAbort     Trigger = "abort"
)

// Reclaimer is the only code path that removes uploads. The blob is deleted
// first and the row second; a row left behind without its blob is resolved
// as not found and reclaimed again by the next sweep or lookup.
type Reclaimer struct {
	store   MetadataStore
	blobs   BlobStore
	metrics *metrics.Lifecycle
}

// NewReclaimer creates a reclaimer over the two stores.
func NewReclaimer(store MetadataStore, blobs BlobStore, m *metrics.Lifecycle) *Reclaimer {
	return &Reclaimer{store: store, blobs: blobs, metrics: m}
}

// Reclaim removes the blob and row of id. Reclaiming an id that is already
// gone returns NotFound and no error. A missing blob with a present row is
// PartialFailure: the row is still removed.
func (r *Reclaimer) Reclaim(ctx context.Context, id string, trigger Trigger) (ReclaimResult, error) {
	return r.reclaim(ctx, id, trigger, func() error {
		return r.store.Delete(ctx, id)
	})
}

// reclaimFinal removes a record whose last allowed fetch was just served.
// The row delete only matches while downloads_remaining is still 1, so of
// all callers racing on the same record exactly one sees Reclaimed.
func (r *Reclaimer) reclaimFinal(ctx context.Context, id string) (ReclaimResult, error) {
	result, err := r.reclaim(ctx, id, TriggerDownloads, func() error {
		err := r.store.DeleteIfDownloads(ctx, id, 1)
		if !errors.Is(err, database.ErrUploadNotFound) {
			return err
		}
		// The counter moved under us. If the row survives, its blob is
		// already gone and the row has to follow it.
		if _, getErr := r.store.GetByID(ctx, id); getErr != nil {
			if errors.Is(getErr, database.ErrUploadNotFound) {
				return database.ErrUploadNotFound
			}
			return getErr
		}
		return r.store.Delete(ctx, id)
	})
	return result, err
}

func (r *Reclaimer) reclaim(ctx context.Context, id string, trigger Trigger, deleteRow func() error) (ReclaimResult, error) {
	blobErr := r.blobs.Delete(ctx, id)
	blobMissing := errors.Is(blobErr, storage.ErrBlobNotFound)
	if blobErr != nil && !blobMissing {
		slog.Warn("failed to delete blob during reclaim",
			"upload_id", id,
			"trigger", trigger,
			"error", blobErr,
		)
	}

	rowErr := deleteRow()
	var result ReclaimResult
	switch {
	case errors.Is(rowErr, database.ErrUploadNotFound):
		result, rowErr = NotFound, nil
	case rowErr != nil:
		// Blob may be gone while the row stays; the next sweep or any
		// alias resolution that finds no blob repairs it.
		slog.Error("failed to delete record during reclaim",
			"upload_id", id,
			"trigger", trigger,
			"error", rowErr,
		)
		r.metrics.Reclaimed(string(trigger), PartialFailure.String())
		return PartialFailure, storeErr("delete record", rowErr)
	case blobErr != nil:
		result = PartialFailure
	default:
		result = Reclaimed
	}

	r.metrics.Reclaimed(string(trigger), result.String())
	if result != NotFound {
		slog.Info("reclaimed upload",
			"upload_id", id,
			"trigger", trigger,
			"result", result,
			"blob_missing", blobMissing,
		)
	}
	return result, nil
}
