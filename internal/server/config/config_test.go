package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropit/internal/server/lifecycle"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "fs", cfg.BlobBackend)
	assert.False(t, cfg.BlobCompression)
	assert.Equal(t, OriginIP, cfg.OriginMode)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, lifecycle.DefaultAliasAttempts, cfg.AliasAttempts)
	assert.Equal(t, []lifecycle.Threshold{
		{MaxSize: 100_000, Duration: 7 * 24 * time.Hour},
		{MaxSize: 5_000_000, Duration: 24 * time.Hour},
		{MaxSize: 512_000_000, Duration: time.Hour},
	}, cfg.Thresholds)
	assert.Equal(t, int64(16), cfg.Limits.OriginFileCount)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("BASE_URL", "https://drop.example.com/")
	t.Setenv("THRESHOLDS", "1mb:2d, 10mb:3h")
	t.Setenv("ORIGIN_SIZE_SUM", "20MiB")
	t.Setenv("BLOB_COMPRESSION", "zstd")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "https://drop.example.com", cfg.BaseURL)
	assert.Equal(t, []lifecycle.Threshold{
		{MaxSize: 1_000_000, Duration: 48 * time.Hour},
		{MaxSize: 10_000_000, Duration: 3 * time.Hour},
	}, cfg.Thresholds)
	assert.Equal(t, int64(20<<20), cfg.Limits.OriginSize)
	assert.True(t, cfg.BlobCompression)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, "DEBUG", cfg.LogLevel.String())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dropit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
thresholds:
  - 1kb:1h
  - 1mb:30m
origin_mode: username
credentials:
  - alice:secret
auth_download: true
`), 0644))

	t.Setenv("PORT", "7100")
	cfg, err := Load(path)
	require.NoError(t, err)

	// env wins over the file
	assert.Equal(t, "7100", cfg.Port)
	assert.Equal(t, OriginUsername, cfg.OriginMode)
	assert.True(t, cfg.AuthDownload)
	assert.Equal(t, []Credential{{Username: "alice", Secret: "secret"}}, cfg.Credentials)
	assert.Len(t, cfg.Thresholds, 2)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad threshold", map[string]string{"THRESHOLDS": "big:1d"}},
		{"unordered thresholds", map[string]string{"THRESHOLDS": "5mb:1d,1mb:1h"}},
		{"growing durations", map[string]string{"THRESHOLDS": "1mb:1h,5mb:1d"}},
		{"bad integer", map[string]string{"ORIGIN_FILE_COUNT": "many"}},
		{"zero ceiling", map[string]string{"GLOBAL_SIZE_SUM": "0"}},
		{"ceiling beyond int64", map[string]string{"GLOBAL_SIZE_SUM": "9EiB"}},
		{"username without credentials", map[string]string{"ORIGIN_MODE": "username"}},
		{"auth without credentials", map[string]string{"AUTH_UPLOAD": "true"}},
		{"unknown origin mode", map[string]string{"ORIGIN_MODE": "cookie"}},
		{"unknown backend", map[string]string{"BLOB_BACKEND": "tape"}},
		{"malformed credential", map[string]string{"CREDENTIALS": "alice"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMalformedCredentialHidesEntry(t *testing.T) {
	t.Setenv("CREDENTIALS", "alice:pw,hunter2")
	_, err := Load("")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "position 2")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
