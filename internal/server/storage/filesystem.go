package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidID    = errors.New("invalid blob id")
)

// FileSystemStore stores blobs as flat files named by upload id.
type FileSystemStore struct {
	basePath string
	compress bool
}

// NewFileSystemStore creates a new filesystem storage backend. With compress
// set, blobs are written zstd-compressed and transparently decompressed on read.
func NewFileSystemStore(basePath string, compress bool) *FileSystemStore {
	return &FileSystemStore{basePath: basePath, compress: compress}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data to a temporary file and renames it into place, so a
// cancelled or failed write never leaves a partial blob under the id.
// Returns the number of uncompressed bytes read from data.
func (fs *FileSystemStore) Save(ctx context.Context, id string, data io.Reader) (int64, error) {
	filePath, err := fs.filePath(id)
	if err != nil {
		return 0, err
	}

	file, err := os.CreateTemp(fs.basePath, ".tmp-"+id+"-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file for %s: %w", id, err)
	}
	tmpPath := file.Name()
	defer os.Remove(tmpPath)

	n, err := fs.write(ctx, file, data)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return 0, fmt.Errorf("failed to commit file %s: %w", filePath, err)
	}
	return n, nil
}

func (fs *FileSystemStore) write(ctx context.Context, dst io.Writer, data io.Reader) (int64, error) {
	src := &contextReader{ctx: ctx, r: data}
	if !fs.compress {
		return io.Copy(dst, src)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(enc, src)
	if closeErr := enc.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// Open returns a reader over the stored blob.
func (fs *FileSystemStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	filePath, err := fs.filePath(id)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if !fs.compress {
		return file, nil
	}

	dec, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open decompressor: %w", err)
	}
	return &zstdReadCloser{dec: dec, file: file}, nil
}

// Delete removes the stored blob. ErrBlobNotFound reports an already missing blob.
func (fs *FileSystemStore) Delete(_ context.Context, id string) error {
	filePath, err := fs.filePath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(id string) (string, error) {
	if err := uuid.Validate(id); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(fs.basePath, id), nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
