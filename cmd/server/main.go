package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dropit/internal/server/api"
	"dropit/internal/server/auth"
	"dropit/internal/server/config"
	"dropit/internal/server/database"
	"dropit/internal/server/lifecycle"
	"dropit/internal/server/metrics"
	"dropit/internal/server/service"
	"dropit/internal/server/storage"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "dropit-server",
		Short:         "dropit - ephemeral file drop server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("CONFIG_FILE"), "path to a YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the retention sweeper",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Reclaim every dead upload once and exit",
		RunE:  runSweep,
	})

	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components shared by the subcommands.
type app struct {
	cfg     *config.Config
	svc     *service.DropService
	sweeper *lifecycle.Sweeper
	health  api.HealthChecker
	close   func()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"blob_backend", cfg.BlobBackend,
		"thresholds", cfg.Thresholds,
		"origin_mode", cfg.OriginMode,
		"sweep_interval", cfg.SweepInterval,
	)

	a := &app{cfg: cfg, close: func() {}}

	// Metadata store
	var store lifecycle.MetadataStore
	if cfg.DatabaseURL == "" {
		store = database.NewMemoryRepository()
		slog.Warn("no DATABASE_URL configured, metadata is kept in memory")
	} else {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		slog.Info("database migrations complete")
		store = database.NewRepository(db)
		a.health = db
		a.close = db.Close
	}

	// Blob store
	var blobs lifecycle.BlobStore
	switch cfg.BlobBackend {
	case "minio":
		ms, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			a.close()
			return nil, err
		}
		blobs = ms
		slog.Info("object storage initialized", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	default:
		fs := storage.NewFileSystemStore(cfg.StoragePath, cfg.BlobCompression)
		if err := fs.EnsureDir(); err != nil {
			a.close()
			return nil, err
		}
		blobs = fs
		slog.Info("file storage initialized", "path", cfg.StoragePath, "zstd", cfg.BlobCompression)
	}

	m := metrics.New(metrics.Registry)
	a.svc, err = service.NewDropService(store, blobs, cfg, m)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sweeper = lifecycle.NewSweeper(store, a.svc.Reclaimer(), cfg.SweepInterval, m)
	return a, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.svc, a.health)
	e := api.SetupRouter(handler, auth.New(a.cfg), a.cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%s", a.cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", a.cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Stop accepting new requests, finish in-flight with 30s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited cleanly")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	report := a.sweeper.RunOnce(cmd.Context())
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d expired uploads could not be reclaimed", report.Failed, report.Expired)
	}
	return nil
}
