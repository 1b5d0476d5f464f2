package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUploadNotFound  = errors.New("upload not found")
	ErrDuplicateUpload = errors.New("upload id or alias already exists")
)

// admissionLockKey is the advisory lock serializing admission checks with inserts.
const admissionLockKey int64 = 0x64726f70

const uniqueViolation = "23505"

const uploadColumns = `id, short_alias, long_alias, origin, filename, size,
	created_at, expires_at, downloads_remaining, admin_token_hash`

// liveCondition is the SQL rendition of Upload.LiveAt. param is the
// placeholder index holding "now".
func liveCondition(param int) string {
	return fmt.Sprintf(
		"(expires_at > $%d AND (downloads_remaining IS NULL OR downloads_remaining > 0))",
		param,
	)
}

// Repository is the PostgreSQL metadata store.
//
// Mutations that decide on a row's liveness are conditional updates, so
// concurrent callers racing on the same row see exactly one winner.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var (
		u           Upload
		short, long *string
		remaining   *int32
	)
	err := row.Scan(
		&u.ID,
		&short,
		&long,
		&u.Origin,
		&u.Filename,
		&u.Size,
		&u.CreatedAt,
		&u.ExpiresAt,
		&remaining,
		&u.AdminTokenHash,
	)
	if err != nil {
		return nil, err
	}
	if short != nil {
		u.ShortAlias = *short
	}
	if long != nil {
		u.LongAlias = *long
	}
	if remaining != nil {
		n := int(*remaining)
		u.DownloadsRemaining = &n
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const insertUpload = `
	INSERT INTO uploads (` + uploadColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func insertArgs(u *Upload) []any {
	return []any{
		u.ID,
		nullable(u.ShortAlias),
		nullable(u.LongAlias),
		u.Origin,
		u.Filename,
		u.Size,
		u.CreatedAt,
		u.ExpiresAt,
		u.DownloadsRemaining,
		u.AdminTokenHash,
	}
}

// Create inserts a new upload record without any admission check.
func (r *Repository) Create(ctx context.Context, upload *Upload) error {
	if _, err := r.db.Pool.Exec(ctx, insertUpload, insertArgs(upload)...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUpload
		}
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// InsertAdmitted runs admit against the current live usage and inserts the
// upload only if it returns nil. The advisory lock makes the read and the
// insert one serialized unit with respect to every other admission.
func (r *Repository) InsertAdmitted(ctx context.Context, upload *Upload, admit AdmitFunc) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin admission: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", admissionLockKey); err != nil {
		return fmt.Errorf("failed to acquire admission lock: %w", err)
	}

	origin, err := sumUsage(ctx, tx, upload.Origin, upload.CreatedAt)
	if err != nil {
		return err
	}
	global, err := sumUsage(ctx, tx, "", upload.CreatedAt)
	if err != nil {
		return err
	}
	if err := admit(origin, global); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, insertUpload, insertArgs(upload)...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateUpload
		}
		return fmt.Errorf("failed to create upload: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

// GetByID retrieves an upload by its ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Upload, error) {
	upload, err := scanUpload(r.db.Pool.QueryRow(ctx,
		"SELECT "+uploadColumns+" FROM uploads WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return upload, nil
}

// GetByAlias retrieves an upload by its short or long alias.
func (r *Repository) GetByAlias(ctx context.Context, alias string) (*Upload, error) {
	upload, err := scanUpload(r.db.Pool.QueryRow(ctx,
		"SELECT "+uploadColumns+" FROM uploads WHERE short_alias = $1 OR long_alias = $1 LIMIT 1", alias))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to get upload by alias: %w", err)
	}
	return upload, nil
}

// UpdateDownloadsIf sets downloads_remaining to next only if it still holds
// observed. It reports whether the row was updated.
func (r *Repository) UpdateDownloadsIf(ctx context.Context, id string, observed, next *int) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE uploads SET downloads_remaining = $2
		WHERE id = $1 AND downloads_remaining IS NOT DISTINCT FROM $3
	`, id, next, observed)
	if err != nil {
		return false, fmt.Errorf("failed to update download counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetDownloads unconditionally replaces downloads_remaining.
func (r *Repository) SetDownloads(ctx context.Context, id string, next *int) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE uploads SET downloads_remaining = $2 WHERE id = $1", id, next)
	if err != nil {
		return fmt.Errorf("failed to set download counter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// ReserveAlias assigns alias to the upload's column for kind. It returns
// false when another upload already holds the alias.
func (r *Repository) ReserveAlias(ctx context.Context, id string, kind AliasKind, alias string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE uploads SET "+kind.column()+" = $2 WHERE id = $1", id, alias)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reserve %s alias: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrUploadNotFound
	}
	return true, nil
}

// Delete removes an upload record by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM uploads WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// DeleteIfDownloads removes the record only if downloads_remaining still
// equals observed. ErrUploadNotFound means no row matched.
func (r *Repository) DeleteIfDownloads(ctx context.Context, id string, observed int) error {
	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM uploads WHERE id = $1 AND downloads_remaining = $2", id, observed)
	if err != nil {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// SumSizeAndCount returns the usage of live uploads from origin, or of all
// live uploads when origin is empty.
func (r *Repository) SumSizeAndCount(ctx context.Context, origin string, now time.Time) (Usage, error) {
	return sumUsage(ctx, r.db.Pool, origin, now)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumUsage(ctx context.Context, q querier, origin string, now time.Time) (Usage, error) {
	var (
		usage Usage
		row   pgx.Row
	)
	if origin == "" {
		row = q.QueryRow(ctx,
			"SELECT COALESCE(SUM(size), 0)::BIGINT, COUNT(*) FROM uploads WHERE "+liveCondition(1), now)
	} else {
		row = q.QueryRow(ctx,
			"SELECT COALESCE(SUM(size), 0)::BIGINT, COUNT(*) FROM uploads WHERE origin = $2 AND "+liveCondition(1),
			now, origin)
	}
	if err := row.Scan(&usage.Bytes, &usage.Count); err != nil {
		return Usage{}, fmt.Errorf("failed to sum usage: %w", err)
	}
	return usage, nil
}

// ListExpired returns the IDs of every upload that is no longer live at now,
// whether by time or by an exhausted download allowance.
func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT id FROM uploads WHERE NOT "+liveCondition(1)+" ORDER BY expires_at", now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired uploads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired uploads: %w", err)
	}
	return ids, nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE `+liveCondition(1)+`),
			COALESCE(SUM(size) FILTER (WHERE `+liveCondition(1)+`), 0)::BIGINT
		FROM uploads
	`, now).Scan(
		&stats.TotalUploads,
		&stats.ActiveUploads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
