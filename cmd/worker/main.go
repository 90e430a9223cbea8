// Command worker runs the classification pipeline: the Worker Pipeline (C4)
// consuming queue.classification, and the DLQ Reprocessor (C5) consuming
// queue.dlq, supervised together under one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
	"github.com/ashita-ai/docpipeline/internal/classifier"
	"github.com/ashita-ai/docpipeline/internal/config"
	"github.com/ashita-ai/docpipeline/internal/metrics"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/reprocessor"
	"github.com/ashita-ai/docpipeline/internal/storage"
	"github.com/ashita-ai/docpipeline/internal/telemetry"
	"github.com/ashita-ai/docpipeline/internal/worker"
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
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("docpipe worker starting", "version", version)

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

	blobs, err := blobstore.New(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}

	broker, err := queue.Dial(cfg.BrokerURL, logger)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer func() { _ = broker.Close() }()

	classifyConsumer, err := broker.NewConsumer(queue.QueueClassify)
	if err != nil {
		return fmt.Errorf("queue: classify consumer: %w", err)
	}
	defer func() { _ = classifyConsumer.Close() }()

	gateway := classifier.New(cfg.ClassifierURL, cfg.ClassifierTimeout, cfg.BreakerFailureThreshold, cfg.BreakerOpenDuration)

	w := worker.New(worker.Deps{
		Repository: db,
		Blobs:      blobs,
		Classifier: gateway,
		Consumer:   classifyConsumer,
		Metrics:    metrics.NewWorker(),
		Logger:     logger,
	})

	var r *reprocessor.Reprocessor
	if cfg.DLQEnabled {
		dlqConsumer, err := broker.NewConsumer(queue.QueueDLQ)
		if err != nil {
			return fmt.Errorf("queue: dlq consumer: %w", err)
		}
		defer func() { _ = dlqConsumer.Close() }()

		r = reprocessor.New(reprocessor.Deps{
			Consumer:  dlqConsumer,
			Publisher: broker,
			Parking:   broker,
			Recorder:  db,
			Metrics:   metrics.NewReprocessor(),
			Logger:    logger,
			Config: reprocessor.Config{
				MaxRetryCycles: cfg.DLQMaxRetryCycles,
				BaseDelay:      cfg.DLQBaseDelay,
				MaxDelay:       cfg.DLQMaxDelay,
			},
		})
	} else {
		logger.Info("dlq reprocessor: disabled")
	}

	// Start is non-blocking: each pipeline runs its consume loop in its own
	// background goroutine, so the two are supervised side by side under
	// this one root without needing an errgroup to wait on them.
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	if r != nil {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("reprocessor: start: %w", err)
		}
	}

	<-ctx.Done()

	// Graceful shutdown: stop the classification consumer and await the
	// in-flight envelope, then stop the reprocessor.
	logger.Info("docpipe worker shutting down")

	workerCtx, workerCancel := contextWithOptionalTimeout(context.Background(), cfg.ShutdownWorkerTimeout)
	if err := w.Drain(workerCtx); err != nil {
		logger.Error("worker drain error", "error", err)
	}
	workerCancel()

	if r != nil {
		reprocCtx, reprocCancel := contextWithOptionalTimeout(context.Background(), cfg.ShutdownReprocessorTimeout)
		if err := r.Drain(reprocCtx); err != nil {
			logger.Error("reprocessor drain error", "error", err)
		}
		reprocCancel()
	}

	logger.Info("docpipe worker stopped")
	return nil
}

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
