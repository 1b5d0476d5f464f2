// Package lifecycle decides how long an upload lives, how often it may be
// fetched, whether its origin may upload more, and reclaims it from the
// metadata store and the blob store together once it is dead.
//
// The metadata store is the only coordination primitive. Every decision
// re-reads live state from it; nothing here caches quota sums or counters.
package lifecycle

import (
	"context"
	"io"
	"time"

	"dropit/internal/server/database"
)

// MetadataStore is the metadata collaborator. Implemented by
// database.Repository (PostgreSQL) and database.MemoryRepository.
type MetadataStore interface {
	Create(ctx context.Context, upload *database.Upload) error
	InsertAdmitted(ctx context.Context, upload *database.Upload, admit database.AdmitFunc) error
	GetByID(ctx context.Context, id string) (*database.Upload, error)
	GetByAlias(ctx context.Context, alias string) (*database.Upload, error)
	UpdateDownloadsIf(ctx context.Context, id string, observed, next *int) (bool, error)
	SetDownloads(ctx context.Context, id string, next *int) error
	ReserveAlias(ctx context.Context, id string, kind database.AliasKind, alias string) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteIfDownloads(ctx context.Context, id string, observed int) error
	SumSizeAndCount(ctx context.Context, origin string, now time.Time) (database.Usage, error)
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	GetStats(ctx context.Context, now time.Time) (*database.Stats, error)
}

// BlobStore is the blob collaborator. Delete and Open return
// storage.ErrBlobNotFound for a missing blob.
type BlobStore interface {
	Save(ctx context.Context, id string, data io.Reader) (int64, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) error
}
