// Package worker implements the Worker Pipeline (C4): a consumer loop
// grounded on the teacher's outbox-worker poll-loop lifecycle (Start/Drain,
// an atomic "started" flag, a sync.Once-guarded drain, a cancellable
// context) adapted from polling Postgres to consuming an AMQP channel.
package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
	"github.com/ashita-ai/docpipeline/internal/classifier"
	"github.com/ashita-ai/docpipeline/internal/ctxutil"
	"github.com/ashita-ai/docpipeline/internal/metrics"
	"github.com/ashita-ai/docpipeline/internal/model"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/storage"
)

// Repository is the narrow slice of the document repository the worker
// needs, so tests can substitute a fake instead of a real database.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Document, error)
	UpdateClassification(ctx context.Context, id uuid.UUID, classification string, confidence float64, ocrPath *string, labelScores map[string]float64) (bool, error)
}

// Classifier is the narrow gateway interface the worker calls.
type Classifier interface {
	Classify(ctx context.Context, content []byte, mimeType string) (classifier.Verdict, error)
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Repository Repository
	Blobs      blobstore.Store
	Classifier Classifier
	Consumer   queue.Consumer
	Metrics    *metrics.Worker
	Logger     *slog.Logger
}

// Worker drains queue.classification, running the seven-step processing
// sequence for each delivery exactly once.
type Worker struct {
	deps Deps

	started   atomic.Bool
	cancel    context.CancelFunc
	drainOnce sync.Once
	done      chan struct{}
}

// New returns a Worker ready to Start.
func New(deps Deps) *Worker {
	return &Worker{deps: deps, done: make(chan struct{})}
}

// Start begins consuming deliveries in a background goroutine. Safe to
// call only once; a second call is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	deliveries, err := w.deps.Consumer.Consume(runCtx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(w.done)
		for delivery := range deliveries {
			w.process(runCtx, delivery)
		}
	}()
	return nil
}

// Drain cancels the consumer and waits for the in-flight delivery (if any)
// to finish, up to the context deadline.
func (w *Worker) Drain(ctx context.Context) error {
	w.drainOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process runs the processing sequence for one delivery and resolves it
// with exactly one ack or nack, never both.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	// Step 1: bind the correlation id to the logging context for this attempt.
	ctx = ctxutil.WithCorrelationID(ctx, d.CorrelationID)
	logger := w.deps.Logger.With("correlation_id", d.CorrelationID, "document_id", d.Message.DocumentID)

	start := time.Now()
	outcome := w.attempt(ctx, logger, d.Message)
	w.deps.Metrics.RecordDuration(ctx, float64(time.Since(start).Milliseconds()))

	switch outcome {
	case outcomeAckNoop, outcomeSuccess:
		if err := d.Ack(); err != nil {
			logger.Error("worker: ack failed", "error", err)
		}
	case outcomeCircuitOpen:
		w.deps.Metrics.RecordError(ctx, "circuit_open")
		if err := d.Nack(false); err != nil {
			logger.Error("worker: nack failed", "error", err)
		}
	default:
		w.deps.Metrics.RecordError(ctx, "transient")
		if err := d.Nack(false); err != nil {
			logger.Error("worker: nack failed", "error", err)
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeAckNoop
	outcomeCircuitOpen
	outcomeFailure
)

// attempt runs steps 2–6 of the processing sequence. Step 7 (ack) is the
// caller's responsibility once attempt reports a non-failure outcome.
func (w *Worker) attempt(ctx context.Context, logger *slog.Logger, msg model.DocumentMessage) outcome {
	if msg.Action != model.ActionClassify {
		logger.Warn("worker: unknown action, parking", "action", msg.Action)
		return outcomeFailure
	}

	// Step 2: fetch the document record.
	doc, err := w.deps.Repository.GetByID(ctx, msg.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Info("worker: document absent, treating duplicate delivery as no-op")
			return outcomeAckNoop
		}
		logger.Warn("worker: fetch document failed", "error", err)
		return outcomeFailure
	}

	// Step 3: fetch bytes from the blob store.
	rc, err := w.deps.Blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		logger.Warn("worker: fetch blob failed (integrity)", "error", err, "storage_path", doc.StoragePath)
		return outcomeFailure
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		logger.Warn("worker: read blob failed (integrity)", "error", err)
		return outcomeFailure
	}

	// Step 4: invoke the classifier gateway.
	verdict, err := w.deps.Classifier.Classify(ctx, content, doc.MimeType)
	if err != nil {
		if errors.Is(err, classifier.ErrCircuitOpen) {
			logger.Warn("worker: circuit open, dead-lettering for reprocessor-scheduled retry")
			return outcomeCircuitOpen
		}
		var failure *classifier.FailureError
		if errors.As(err, &failure) && failure.Tripped {
			logger.Warn("worker: classifier call failed, tripped breaker to open")
			w.deps.Metrics.RecordBreakerTrip(ctx)
		} else {
			logger.Warn("worker: classifier call failed", "error", err)
		}
		return outcomeFailure
	}

	// Step 5: persist any OCR artifact.
	var ocrPath *string
	if len(verdict.OCR) > 0 {
		key := blobstore.OCRKey(msg.DocumentID)
		if err := w.deps.Blobs.Put(ctx, key, bytes.NewReader(verdict.OCR)); err != nil {
			logger.Warn("worker: persist OCR artifact failed", "error", err)
			return outcomeFailure
		}
		ocrPath = &key
	}

	// Step 6: conditionally apply the verdict.
	applied, err := w.deps.Repository.UpdateClassification(ctx, msg.DocumentID, verdict.Classification, verdict.Confidence, ocrPath, verdict.Scores)
	if err != nil {
		logger.Warn("worker: update classification failed", "error", err)
		return outcomeFailure
	}
	if !applied {
		logger.Info("worker: update classification no-op (already classified or manually corrected)")
		return outcomeAckNoop
	}

	w.deps.Metrics.RecordClassified(ctx, verdict.Classification)
	return outcomeSuccess
}
