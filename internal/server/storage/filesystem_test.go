package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func readAll(t *testing.T, store *FileSystemStore, id string) string {
	t.Helper()
	rc, err := store.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to open blob: %v", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read blob: %v", err)
	}
	return string(content)
}

func TestFileSystemStore_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("saves file to disk", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir, false)
		id := uuid.NewString()

		n, err := store.Save(ctx, id, bytes.NewReader([]byte("test content")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 12 {
			t.Errorf("expected 12 bytes written, got %d", n)
		}

		content, err := os.ReadFile(filepath.Join(dir, id))
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir(), false)

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		n, err := store.Save(ctx, uuid.NewString(), strings.NewReader(largeContent))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(len(largeContent)) {
			t.Errorf("expected %d bytes, got %d", len(largeContent), n)
		}
	})

	t.Run("compressed round trip", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir, true)
		id := uuid.NewString()
		content := strings.Repeat("dropit ", 10000)

		n, err := store.Save(ctx, id, strings.NewReader(content))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(len(content)) {
			t.Errorf("expected %d uncompressed bytes, got %d", len(content), n)
		}

		info, err := os.Stat(filepath.Join(dir, id))
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Size() >= int64(len(content)) {
			t.Errorf("expected compressed file smaller than %d, got %d", len(content), info.Size())
		}
		if got := readAll(t, store, id); got != content {
			t.Error("decompressed content does not match")
		}
	})

	t.Run("cancelled write leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir, false)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := store.Save(cctx, uuid.NewString(), strings.NewReader("data")); err == nil {
			t.Fatal("expected error for cancelled context")
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected empty directory, found %d entries", len(entries))
		}
	})

	t.Run("rejects non-uuid ids", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir(), false)
		_, err := store.Save(ctx, "../escape", strings.NewReader("data"))
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID, got %v", err)
		}
	})
}

func TestFileSystemStore_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("reads existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir, false)
		id := uuid.NewString()
		os.WriteFile(filepath.Join(dir, id), []byte("data"), 0644)

		if got := readAll(t, store, id); got != "data" {
			t.Errorf("expected 'data', got %q", got)
		}
	})

	t.Run("returns ErrBlobNotFound for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir(), false)

		_, err := store.Open(ctx, uuid.NewString())
		if !errors.Is(err, ErrBlobNotFound) {
			t.Errorf("expected ErrBlobNotFound, got %v", err)
		}
	})
}

func TestFileSystemStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir, false)
		id := uuid.NewString()
		filePath := filepath.Join(dir, id)
		os.WriteFile(filePath, []byte("data"), 0644)

		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filePath); !os.IsNotExist(err) {
			t.Error("expected file to be deleted")
		}
	})

	t.Run("reports missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir(), false)

		if err := store.Delete(ctx, uuid.NewString()); !errors.Is(err, ErrBlobNotFound) {
			t.Errorf("expected ErrBlobNotFound, got: %v", err)
		}
	})
}

func TestFileSystemStore_EnsureDir(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
		store := NewFileSystemStore(dir, false)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir(), false)

		if err := store.EnsureDir(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
