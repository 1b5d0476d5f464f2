package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process metadata store. A single mutex is the
// serialization point for every operation, so each method is atomic with
// respect to all others. Used when no DATABASE_URL is configured and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	uploads map[string]*Upload
	short   map[string]string // alias -> id
	long    map[string]string
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		uploads: make(map[string]*Upload),
		short:   make(map[string]string),
		long:    make(map[string]string),
	}
}

func (m *MemoryRepository) index(kind AliasKind) map[string]string {
	if kind == AliasLong {
		return m.long
	}
	return m.short
}

func (m *MemoryRepository) create(u *Upload) error {
	if _, exists := m.uploads[u.ID]; exists {
		return ErrDuplicateUpload
	}
	if u.ShortAlias != "" {
		if _, taken := m.short[u.ShortAlias]; taken {
			return ErrDuplicateUpload
		}
	}
	if u.LongAlias != "" {
		if _, taken := m.long[u.LongAlias]; taken {
			return ErrDuplicateUpload
		}
	}
	m.uploads[u.ID] = u.clone()
	if u.ShortAlias != "" {
		m.short[u.ShortAlias] = u.ID
	}
	if u.LongAlias != "" {
		m.long[u.LongAlias] = u.ID
	}
	return nil
}

// Create inserts a new upload record without any admission check.
func (m *MemoryRepository) Create(_ context.Context, upload *Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create(upload)
}

// InsertAdmitted runs admit against the current live usage and inserts the
// upload only if it returns nil.
func (m *MemoryRepository) InsertAdmitted(_ context.Context, upload *Upload, admit AdmitFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := admit(m.sum(upload.Origin, upload.CreatedAt), m.sum("", upload.CreatedAt)); err != nil {
		return err
	}
	return m.create(upload)
}

// GetByID retrieves an upload by its ID.
func (m *MemoryRepository) GetByID(_ context.Context, id string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	return u.clone(), nil
}

// GetByAlias retrieves an upload by its short or long alias.
func (m *MemoryRepository) GetByAlias(_ context.Context, alias string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.short[alias]
	if !ok {
		id, ok = m.long[alias]
	}
	if !ok {
		return nil, ErrUploadNotFound
	}
	return m.uploads[id].clone(), nil
}

func sameCount(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// UpdateDownloadsIf sets downloads_remaining to next only if it still holds observed.
func (m *MemoryRepository) UpdateDownloadsIf(_ context.Context, id string, observed, next *int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok || !sameCount(u.DownloadsRemaining, observed) {
		return false, nil
	}
	u.DownloadsRemaining = copyCount(next)
	return true, nil
}

// SetDownloads unconditionally replaces downloads_remaining.
func (m *MemoryRepository) SetDownloads(_ context.Context, id string, next *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok {
		return ErrUploadNotFound
	}
	u.DownloadsRemaining = copyCount(next)
	return nil
}

func copyCount(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// ReserveAlias assigns alias to the upload's slot for kind, releasing the
// alias it previously held. It returns false when the alias is taken.
func (m *MemoryRepository) ReserveAlias(_ context.Context, id string, kind AliasKind, alias string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok {
		return false, ErrUploadNotFound
	}
	idx := m.index(kind)
	if _, taken := idx[alias]; taken {
		return false, nil
	}

	slot := &u.ShortAlias
	if kind == AliasLong {
		slot = &u.LongAlias
	}
	if *slot != "" {
		delete(idx, *slot)
	}
	*slot = alias
	idx[alias] = id
	return true, nil
}

func (m *MemoryRepository) remove(u *Upload) {
	delete(m.uploads, u.ID)
	if u.ShortAlias != "" {
		delete(m.short, u.ShortAlias)
	}
	if u.LongAlias != "" {
		delete(m.long, u.LongAlias)
	}
}

// Delete removes an upload record by ID.
func (m *MemoryRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok {
		return ErrUploadNotFound
	}
	m.remove(u)
	return nil
}

// DeleteIfDownloads removes the record only if downloads_remaining still equals observed.
func (m *MemoryRepository) DeleteIfDownloads(_ context.Context, id string, observed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[id]
	if !ok || u.DownloadsRemaining == nil || *u.DownloadsRemaining != observed {
		return ErrUploadNotFound
	}
	m.remove(u)
	return nil
}

func (m *MemoryRepository) sum(origin string, now time.Time) Usage {
	var usage Usage
	for _, u := range m.uploads {
		if origin != "" && u.Origin != origin {
			continue
		}
		if !u.LiveAt(now) {
			continue
		}
		usage.Bytes += u.Size
		usage.Count++
	}
	return usage
}

// SumSizeAndCount returns the usage of live uploads from origin, or of all
// live uploads when origin is empty.
func (m *MemoryRepository) SumSizeAndCount(_ context.Context, origin string, now time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sum(origin, now), nil
}

// ListExpired returns the IDs of every upload that is no longer live at now.
func (m *MemoryRepository) ListExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []*Upload
	for _, u := range m.uploads {
		if !u.LiveAt(now) {
			dead = append(dead, u)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].ExpiresAt.Before(dead[j].ExpiresAt) })

	ids := make([]string, len(dead))
	for i, u := range dead {
		ids[i] = u.ID
	}
	return ids, nil
}

// GetStats returns aggregate server statistics.
func (m *MemoryRepository) GetStats(_ context.Context, now time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.sum("", now)
	return &Stats{
		TotalUploads:  int64(len(m.uploads)),
		ActiveUploads: live.Count,
		StorageUsed:   live.Bytes,
	}, nil
}
