package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dropit/internal/server/database"
	"dropit/internal/server/storage"
)

var errInjected = errors.New("injected failure")

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	deletes int
	failDel error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (b *memBlobs) Save(_ context.Context, id string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[id] = data
	return int64(len(data)), nil
}

func (b *memBlobs) Open(_ context.Context, id string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.data[id]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if b.failDel != nil {
		return b.failDel
	}
	if _, ok := b.data[id]; !ok {
		return storage.ErrBlobNotFound
	}
	delete(b.data, id)
	return nil
}

func (b *memBlobs) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[id]
	return ok
}

// faultyStore wraps a MemoryRepository and fails selected operations.
type faultyStore struct {
	*database.MemoryRepository
	failDelete map[string]bool
	failGet    bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryRepository: database.NewMemoryRepository(),
		failDelete:       make(map[string]bool),
	}
}

func (s *faultyStore) Delete(ctx context.Context, id string) error {
	if s.failDelete[id] {
		return errInjected
	}
	return s.MemoryRepository.Delete(ctx, id)
}

func (s *faultyStore) GetByID(ctx context.Context, id string) (*database.Upload, error) {
	if s.failGet {
		return nil, errInjected
	}
	return s.MemoryRepository.GetByID(ctx, id)
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// seed inserts a record with a blob and returns its id.
func seed(t *testing.T, store MetadataStore, blobs *memBlobs, id string, downloads *int, expiresIn time.Duration) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &database.Upload{
		ID:                 id,
		Origin:             "10.0.0.1",
		Filename:           id + ".bin",
		Size:               100,
		CreatedAt:          testNow,
		ExpiresAt:          testNow.Add(expiresIn),
		DownloadsRemaining: downloads,
	}))
	if blobs != nil {
		_, err := blobs.Save(ctx, id, bytes.NewReader(make([]byte, 100)))
		require.NoError(t, err)
	}
	return id
}

func intPtr(n int) *int { return &n }
