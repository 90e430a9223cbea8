// Command api runs the document pipeline's HTTP API: upload, list, search,
// download, and classification-correction endpoints backed by Postgres and
// the blob store.
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

	"github.com/joho/godotenv"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
	"github.com/ashita-ai/docpipeline/internal/config"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/server"
	"github.com/ashita-ai/docpipeline/internal/storage"
	"github.com/ashita-ai/docpipeline/internal/telemetry"
	"github.com/ashita-ai/docpipeline/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("DOCPIPE_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("docpipe api starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	blobs, err := blobstore.New(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}

	broker, err := queue.Dial(cfg.BrokerURL, logger)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = broker.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Blobs:               blobs,
		Publisher:           broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("docpipe api shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(context.Background(), cfg.ShutdownHTTPTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("docpipe api stopped")
	return nil
}

// contextWithOptionalTimeout treats a zero timeout as "wait indefinitely".
func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
