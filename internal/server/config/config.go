package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"dropit/internal/server/lifecycle"
	"dropit/internal/server/storage"
)

// OriginMode selects what identity uploads are accounted against.
type OriginMode string

const (
	OriginIP       OriginMode = "ip"
	OriginUsername OriginMode = "username"
)

// Credential is a static username and its password, either plain or a bcrypt hash.
type Credential struct {
	Username string
	Secret   string
}

type Config struct {
	Port            string
	DatabaseURL     string // empty selects the in-memory metadata store
	StoragePath     string
	BlobBackend     string // "fs" or "minio"
	BlobCompression bool
	Minio           storage.MinioConfig
	BaseURL         string
	BehindProxy     bool

	Thresholds    []lifecycle.Threshold
	Limits        lifecycle.Limits
	AliasAttempts int
	SweepInterval time.Duration

	OriginMode   OriginMode
	AuthUpload   bool
	AuthDownload bool
	Credentials  []Credential

	RateLimitRPS   float64
	RateLimitBurst int
	LogLevel       slog.Level
}

// Load reads configuration from the environment, falling back to the YAML
// file at path (if any) and then to defaults. The file holds the same keys
// as the environment, e.g. `THRESHOLDS: ["100kb:7d", "5mb:1d"]`.
func Load(path string) (*Config, error) {
	l := &loader{}
	if path != "" {
		if err := l.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:            l.get("PORT", "8080"),
		DatabaseURL:     l.get("DATABASE_URL", ""),
		StoragePath:     l.get("STORAGE_PATH", "./storage/uploads"),
		BlobBackend:     l.get("BLOB_BACKEND", "fs"),
		BlobCompression: l.get("BLOB_COMPRESSION", "none") == "zstd",
		Minio: storage.MinioConfig{
			Endpoint:  l.get("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: l.get("MINIO_ACCESS_KEY", ""),
			SecretKey: l.get("MINIO_SECRET_KEY", ""),
			Bucket:    l.get("MINIO_BUCKET", "dropit"),
			UseSSL:    l.getBool("MINIO_USE_SSL", false),
		},
		BaseURL:     strings.TrimRight(l.get("BASE_URL", "http://localhost:8080"), "/"),
		BehindProxy: l.getBool("BEHIND_PROXY", false),

		AliasAttempts: l.getInt("ALIAS_ATTEMPTS", lifecycle.DefaultAliasAttempts),
		SweepInterval: l.getDuration("SWEEP_INTERVAL", 5*time.Minute),

		OriginMode:   OriginMode(l.get("ORIGIN_MODE", string(OriginIP))),
		AuthUpload:   l.getBool("AUTH_UPLOAD", false),
		AuthDownload: l.getBool("AUTH_DOWNLOAD", false),

		RateLimitRPS:   l.getFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst: l.getInt("RATE_LIMIT_BURST", 20),
	}

	cfg.Limits = lifecycle.Limits{
		OriginSize:      l.getBytes("ORIGIN_SIZE_SUM", 512*humanize.MiByte),
		OriginFileCount: int64(l.getInt("ORIGIN_FILE_COUNT", 16)),
		GlobalSize:      l.getBytes("GLOBAL_SIZE_SUM", 10*humanize.GiByte),
	}

	for _, raw := range splitList(l.get("THRESHOLDS", "100kb:7d,5mb:1d,512mb:1h")) {
		t, err := lifecycle.ParseThreshold(raw)
		if err != nil {
			return nil, err
		}
		cfg.Thresholds = append(cfg.Thresholds, t)
	}

	for i, raw := range splitList(l.get("CREDENTIALS", "")) {
		username, secret, ok := strings.Cut(raw, ":")
		if !ok || username == "" || secret == "" {
			return nil, fmt.Errorf("invalid credential at position %d: expected USERNAME:PASSWORD", i+1)
		}
		cfg.Credentials = append(cfg.Credentials, Credential{Username: username, Secret: secret})
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(l.get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field rules of the configuration.
func (c *Config) Validate() error {
	if _, err := lifecycle.NewScheduler(c.Thresholds); err != nil {
		return fmt.Errorf("invalid THRESHOLDS: %w", err)
	}
	if c.Limits.OriginSize <= 0 || c.Limits.OriginFileCount <= 0 || c.Limits.GlobalSize <= 0 {
		return fmt.Errorf("quota ceilings must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	switch c.OriginMode {
	case OriginIP:
	case OriginUsername:
		if len(c.Credentials) == 0 {
			return fmt.Errorf("ORIGIN_MODE=username requires CREDENTIALS")
		}
	default:
		return fmt.Errorf("invalid ORIGIN_MODE %q", c.OriginMode)
	}
	if (c.AuthUpload || c.AuthDownload) && len(c.Credentials) == 0 {
		return fmt.Errorf("AUTH_UPLOAD and AUTH_DOWNLOAD require CREDENTIALS")
	}
	switch c.BlobBackend {
	case "fs", "minio":
	default:
		return fmt.Errorf("invalid BLOB_BACKEND %q", c.BlobBackend)
	}
	return nil
}

// loader resolves a key from the environment, then the config file.
// The first parse error is kept and reported by Load.
type loader struct {
	file map[string]string
	err  error
}

func (l *loader) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	l.file = make(map[string]string, len(raw))
	for key, val := range raw {
		switch v := val.(type) {
		case []any:
			items := make([]string, len(v))
			for i, item := range v {
				items[i] = fmt.Sprint(item)
			}
			l.file[strings.ToUpper(key)] = strings.Join(items, ",")
		case nil:
		default:
			l.file[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return nil
}

func (l *loader) get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := l.file[key]; ok && val != "" {
		return val
	}
	return fallback
}

func (l *loader) fail(key, val string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
}

func (l *loader) getInt(key string, fallback int) int {
	val := l.get(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		l.fail(key, val, err)
		return fallback
	}
	return n
}

func (l *loader) getBool(key string, fallback bool) bool {
	val := l.get(key, "")
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		l.fail(key, val, err)
		return fallback
	}
	return b
}

func (l *loader) getFloat64(key string, fallback float64) float64 {
	val := l.get(key, "")
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.fail(key, val, err)
		return fallback
	}
	return f
}

func (l *loader) getBytes(key string, fallback int64) int64 {
	val := l.get(key, "")
	if val == "" {
		return fallback
	}
	n, err := lifecycle.ParseSize(val)
	if err != nil {
		l.fail(key, val, err)
		return fallback
	}
	return n
}

func (l *loader) getDuration(key string, fallback time.Duration) time.Duration {
	val := l.get(key, "")
	if val == "" {
		return fallback
	}
	d, err := lifecycle.ParseDuration(val)
	if err != nil {
		l.fail(key, val, err)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
