package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"dropit/internal/server/config"
	"dropit/internal/server/database"
	"dropit/internal/server/lifecycle"
	"dropit/internal/server/metrics"
	"dropit/internal/server/storage"
)

// Sentinel errors for the service layer. Lifecycle errors pass through unchanged.
var (
	ErrEmptyUpload  = errors.New("upload is empty")
	ErrSizeMismatch = errors.New("uploaded size does not match declared size")
)

// UploadRequest describes an incoming upload.
type UploadRequest struct {
	Origin    string
	Filename  string
	Size      int64
	Data      io.Reader
	Downloads int // 0 means unlimited
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	ID                 string    `json:"id"`
	ShortAlias         string    `json:"short_alias"`
	LongAlias          string    `json:"long_alias"`
	ShortURL           string    `json:"short_url"`
	LongURL            string    `json:"long_url"`
	AdminToken         string    `json:"admin_token"`
	ExpiresAt          time.Time `json:"expires_at"`
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	DownloadsRemaining *int      `json:"downloads_remaining"`
}

// UploadInfo is returned for metadata queries.
type UploadInfo struct {
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	DownloadsRemaining *int      `json:"downloads_remaining"`
}

// AliasChange is returned after an alias rotation.
type AliasChange struct {
	Kind  string `json:"kind"`
	Alias string `json:"alias"`
	URL   string `json:"url"`
}

// Download is an open blob ready to be streamed. FinishDownload must be
// called with ID once the body was fully served.
type Download struct {
	ID       string
	Filename string
	Size     int64
	Body     io.ReadCloser
}

// DropService composes the lifecycle engine into upload, download and
// administrative operations.
type DropService struct {
	store     lifecycle.MetadataStore
	blobs     lifecycle.BlobStore
	scheduler *lifecycle.Scheduler
	quota     *lifecycle.QuotaTracker
	aliases   *lifecycle.AliasAllocator
	counter   *lifecycle.DownloadCounter
	reclaimer *lifecycle.Reclaimer
	metrics   *metrics.Lifecycle
	baseURL   string

	now       func() time.Time
	tokenCost int
	dummyOnce sync.Once
	dummyHash []byte
}

// NewDropService creates a new drop service.
func NewDropService(store lifecycle.MetadataStore, blobs lifecycle.BlobStore, cfg *config.Config, m *metrics.Lifecycle) (*DropService, error) {
	scheduler, err := lifecycle.NewScheduler(cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	reclaimer := lifecycle.NewReclaimer(store, blobs, m)
	return &DropService{
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		quota:     lifecycle.NewQuotaTracker(store, cfg.Limits),
		aliases:   lifecycle.NewAliasAllocator(store, cfg.AliasAttempts),
		counter:   lifecycle.NewDownloadCounter(store, reclaimer, m),
		reclaimer: reclaimer,
		metrics:   m,
		baseURL:   cfg.BaseURL,
		now:       time.Now,
		tokenCost: bcrypt.DefaultCost,
	}, nil
}

// Reclaimer exposes the shared reclaimer for the retention sweeper.
func (s *DropService) Reclaimer() *lifecycle.Reclaimer {
	return s.reclaimer
}

// MaxUploadSize is the largest size the threshold table accepts.
func (s *DropService) MaxUploadSize() int64 {
	return s.scheduler.MaxSize()
}

// Upload admits, stores and indexes a new file. The blob is written before
// the row, so an interrupted upload can only leave an orphan blob behind.
func (s *DropService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Size <= 0 {
		return nil, ErrEmptyUpload
	}

	// 1. Retention from size
	retention, err := s.scheduler.DurationFor(req.Size)
	if err != nil {
		return nil, err
	}

	// 2. Early admission, before any bytes hit the blob store
	if err := s.quota.AdmitAt(ctx, req.Origin, req.Size, s.now()); err != nil {
		s.rejected(err)
		return nil, err
	}

	filename := sanitizeFilename(req.Filename)

	// 3. Blob
	id := uuid.NewString()
	written, err := s.blobs.Save(ctx, id, io.LimitReader(req.Data, req.Size+1))
	if err != nil {
		return nil, fmt.Errorf("%w: store blob: %w", lifecycle.ErrBlobStore, err)
	}
	if written != req.Size {
		s.discardBlob(ctx, id)
		return nil, ErrSizeMismatch
	}

	// 4. Admin token
	adminToken, err := generateSecureToken(32)
	if err != nil {
		s.discardBlob(ctx, id)
		return nil, fmt.Errorf("failed to generate admin token: %w", err)
	}
	adminToken = "adm_" + adminToken
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(adminToken), s.tokenCost)
	if err != nil {
		s.discardBlob(ctx, id)
		return nil, fmt.Errorf("failed to hash admin token: %w", err)
	}

	// 5. Row, with admission re-checked atomically against live usage
	now := s.now().UTC()
	upload := &database.Upload{
		ID:             id,
		Origin:         req.Origin,
		Filename:       filename,
		Size:           req.Size,
		CreatedAt:      now,
		ExpiresAt:      now.Add(retention),
		AdminTokenHash: string(tokenHash),
	}
	if req.Downloads > 0 {
		n := req.Downloads
		upload.DownloadsRemaining = &n
	}
	if err := s.store.InsertAdmitted(ctx, upload, s.quota.Guard(req.Origin, req.Size)); err != nil {
		s.discardBlob(ctx, id)
		if errors.Is(err, lifecycle.ErrAdmissionRejected) {
			s.rejected(err)
			return nil, err
		}
		return nil, fmt.Errorf("%w: create record: %w", lifecycle.ErrStore, err)
	}

	// 6. Aliases
	short, err := s.aliases.Allocate(ctx, id, database.AliasShort)
	if err != nil {
		s.abort(ctx, id)
		return nil, err
	}
	long, err := s.aliases.Allocate(ctx, id, database.AliasLong)
	if err != nil {
		s.abort(ctx, id)
		return nil, err
	}

	s.metrics.Uploaded(req.Size)
	slog.Info("upload processed",
		"id", id,
		"origin", req.Origin,
		"filename", upload.Filename,
		"size", req.Size,
		"expires_at", upload.ExpiresAt,
		"downloads", req.Downloads,
	)

	return &UploadResult{
		ID:                 id,
		ShortAlias:         short,
		LongAlias:          long,
		ShortURL:           s.aliasURL(short),
		LongURL:            s.aliasURL(long),
		AdminToken:         adminToken,
		ExpiresAt:          upload.ExpiresAt,
		Filename:           upload.Filename,
		Size:               req.Size,
		DownloadsRemaining: upload.DownloadsRemaining,
	}, nil
}

// GetInfo returns metadata about a live upload without serving it.
func (s *DropService) GetInfo(ctx context.Context, alias string) (*UploadInfo, error) {
	upload, err := s.resolve(ctx, alias)
	if err != nil {
		return nil, err
	}
	body, err := s.openBlob(ctx, upload)
	if err != nil {
		return nil, err
	}
	body.Close()

	return &UploadInfo{
		Filename:           upload.Filename,
		Size:               upload.Size,
		CreatedAt:          upload.CreatedAt,
		ExpiresAt:          upload.ExpiresAt,
		DownloadsRemaining: upload.DownloadsRemaining,
	}, nil
}

// Download resolves alias to a live upload and opens its blob. A row whose
// blob is missing is reported as not found and reclaimed on the spot.
func (s *DropService) Download(ctx context.Context, alias string) (*Download, error) {
	upload, err := s.resolve(ctx, alias)
	if err != nil {
		return nil, err
	}

	body, err := s.openBlob(ctx, upload)
	if err != nil {
		return nil, err
	}

	return &Download{
		ID:       upload.ID,
		Filename: upload.Filename,
		Size:     upload.Size,
		Body:     body,
	}, nil
}

// openBlob opens the blob behind a live record. A record without a blob
// is reclaimed on the spot and reported as not found.
func (s *DropService) openBlob(ctx context.Context, upload *database.Upload) (io.ReadCloser, error) {
	body, err := s.blobs.Open(ctx, upload.ID)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, storage.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: open blob: %w", lifecycle.ErrBlobStore, err)
	}
	slog.Warn("record has no blob, reclaiming", "upload_id", upload.ID)
	if _, rerr := s.reclaimer.Reclaim(context.WithoutCancel(ctx), upload.ID, lifecycle.TriggerRepair); rerr != nil {
		slog.Error("failed to reclaim dangling record", "upload_id", upload.ID, "error", rerr)
	}
	return nil, lifecycle.ErrRecordNotFound
}

// FinishDownload accounts a fully served download of id.
func (s *DropService) FinishDownload(ctx context.Context, id string) (lifecycle.FetchOutcome, error) {
	return s.counter.AccountFetch(ctx, id)
}

// Revoke reclaims an upload on behalf of its owner.
func (s *DropService) Revoke(ctx context.Context, alias, token string) error {
	upload, err := s.authorize(ctx, alias, token)
	if err != nil {
		return err
	}
	if _, err := s.reclaimer.Reclaim(ctx, upload.ID, lifecycle.TriggerRevoke); err != nil {
		return err
	}
	slog.Info("upload revoked", "id", upload.ID)
	return nil
}

// SetDownloads replaces the remaining download allowance. A count of zero
// or less removes the limit.
func (s *DropService) SetDownloads(ctx context.Context, alias, token string, count int) error {
	upload, err := s.authorize(ctx, alias, token)
	if err != nil {
		return err
	}
	var next *int
	if count > 0 {
		next = &count
	}
	if err := s.store.SetDownloads(ctx, upload.ID, next); err != nil {
		if errors.Is(err, database.ErrUploadNotFound) {
			return lifecycle.ErrRecordNotFound
		}
		return fmt.Errorf("%w: set downloads: %w", lifecycle.ErrStore, err)
	}
	slog.Info("download allowance changed", "id", upload.ID, "downloads", count)
	return nil
}

// RotateAlias replaces one alias of an upload, keeping the other.
func (s *DropService) RotateAlias(ctx context.Context, alias, token string, kind database.AliasKind) (*AliasChange, error) {
	upload, err := s.authorize(ctx, alias, token)
	if err != nil {
		return nil, err
	}
	fresh, err := s.aliases.Allocate(ctx, upload.ID, kind)
	if err != nil {
		return nil, err
	}
	slog.Info("alias rotated", "id", upload.ID, "kind", kind)
	return &AliasChange{Kind: kind.String(), Alias: fresh, URL: s.aliasURL(fresh)}, nil
}

// GetStats returns aggregate server statistics.
func (s *DropService) GetStats(ctx context.Context) (*database.Stats, error) {
	return s.store.GetStats(ctx, s.now())
}

// --- Helpers ---

// resolve returns the live upload behind alias. Dead and unknown aliases
// are indistinguishable to callers.
func (s *DropService) resolve(ctx context.Context, alias string) (*database.Upload, error) {
	upload, err := s.store.GetByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, database.ErrUploadNotFound) {
			return nil, lifecycle.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: resolve alias: %w", lifecycle.ErrStore, err)
	}
	if !upload.LiveAt(s.now()) {
		return nil, lifecycle.ErrRecordNotFound
	}
	return upload, nil
}

// authorize checks token against the upload behind alias. Unknown, dead and
// mismatching cases all cost one bcrypt comparison and return ErrUnauthorized,
// so the response reveals nothing about existence.
func (s *DropService) authorize(ctx context.Context, alias, token string) (*database.Upload, error) {
	upload, err := s.resolve(ctx, alias)
	if err != nil && !errors.Is(err, lifecycle.ErrRecordNotFound) {
		return nil, err
	}

	hash := s.dummyTokenHash()
	if upload != nil {
		hash = []byte(upload.AdminTokenHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil || upload == nil {
		return nil, lifecycle.ErrUnauthorized
	}
	return upload, nil
}

func (s *DropService) dummyTokenHash() []byte {
	s.dummyOnce.Do(func() {
		secret, _ := generateSecureToken(32)
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(secret), s.tokenCost)
	})
	return s.dummyHash
}

func (s *DropService) aliasURL(alias string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, alias)
}

func (s *DropService) rejected(err error) {
	var admission *lifecycle.AdmissionError
	if errors.As(err, &admission) {
		s.metrics.Rejected(admission.Reason.String())
	}
}

// discardBlob removes a blob that never got a row.
func (s *DropService) discardBlob(ctx context.Context, id string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), id); err != nil {
		slog.Error("failed to discard blob", "id", id, "error", err)
	}
}

// abort reclaims an upload whose row was inserted but never got its aliases.
func (s *DropService) abort(ctx context.Context, id string) {
	if _, err := s.reclaimer.Reclaim(context.WithoutCancel(ctx), id, lifecycle.TriggerAbort); err != nil {
		slog.Error("failed to abort upload", "id", id, "error", err)
	}
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

const (
	maxFilenameLen = 255
	maxExtLen      = 32
)

// sanitizeFilename strips directory components and limits the name to
// maxFilenameLen bytes of valid UTF-8, keeping a short extension.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ToValidUTF8(name, "")

	name = filepath.Base(name)

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > maxExtLen {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFilenameLen-len(ext)) + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload.bin"
	}

	return name
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
