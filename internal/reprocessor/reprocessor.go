// Package reprocessor implements the DLQ Reprocessor (C5): it drains
// queue.dlq, reinjects each message after an exponential backoff delay, and
// parks messages that have exhausted their retry budget. Its lifecycle
// mirrors internal/worker's Start/Drain shape (an atomic "started" flag, a
// sync.Once-guarded drain, a cancellable context) so the two pipelines can
// be supervised side by side under one root.
package reprocessor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/docpipeline/internal/ctxutil"
	"github.com/ashita-ai/docpipeline/internal/metrics"
	"github.com/ashita-ai/docpipeline/internal/queue"
)

// Recorder persists an audit trail of reprocess decisions (dlq_reprocess_log),
// independent of the broker's own message state. Optional: a nil Recorder in
// Deps simply skips auditing.
type Recorder interface {
	RecordReprocessAttempt(ctx context.Context, documentID uuid.UUID, attempt int, outcome, errorDetail string) error
}

// Config tunes the backoff/parking policy. Validated invariants (mirrored
// from the environment-level validation in internal/config): BaseDelay > 0,
// MaxDelay >= BaseDelay, MaxRetryCycles >= 0.
type Config struct {
	MaxRetryCycles int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// Deps bundles the reprocessor's collaborators.
type Deps struct {
	Consumer  queue.Consumer
	Publisher queue.Publisher
	Parking   queue.ParkingPublisher
	Recorder  Recorder
	Metrics   *metrics.Reprocessor
	Logger    *slog.Logger
	Config    Config
}

// Reprocessor drains queue.dlq, following the reinject-with-backoff-or-park
// policy for each delivery.
type Reprocessor struct {
	deps Deps

	started   atomic.Bool
	cancel    context.CancelFunc
	drainOnce sync.Once
	done      chan struct{}
}

// New returns a Reprocessor ready to Start.
func New(deps Deps) *Reprocessor {
	return &Reprocessor{deps: deps, done: make(chan struct{})}
}

// Start begins consuming dead-lettered deliveries in a background
// goroutine. Safe to call only once; a second call is a no-op.
func (r *Reprocessor) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	deliveries, err := r.deps.Consumer.Consume(runCtx)
	if err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(r.done)
		for delivery := range deliveries {
			r.process(runCtx, delivery)
		}
	}()
	return nil
}

// Drain cancels the consumer and waits for the in-flight delivery
// (including any in-progress backoff sleep) to finish, up to the context
// deadline.
func (r *Reprocessor) Drain(ctx context.Context) error {
	r.drainOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process applies the park-or-reinject policy to a single dead-lettered
// delivery. Per-message failures are logged and the delivery is parked
// rather than dropped or allowed to stall the loop; only a Consume error
// (handled by the caller, not here) is fatal to the reprocessor task.
func (r *Reprocessor) process(ctx context.Context, d queue.Delivery) {
	ctx = ctxutil.WithCorrelationID(ctx, d.CorrelationID)
	logger := r.deps.Logger.With("correlation_id", d.CorrelationID, "document_id", d.Message.DocumentID, "death_count", d.DeathCount)

	if d.DeathCount > r.deps.Config.MaxRetryCycles {
		r.park(ctx, logger, d, "max retry cycles exceeded")
		return
	}

	delay := backoffDelay(r.deps.Config.BaseDelay, r.deps.Config.MaxDelay, d.DeathCount)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := r.deps.Publisher.Publish(ctx, d.Message); err != nil {
		logger.Warn("reprocessor: republish failed, parking", "error", err)
		r.park(ctx, logger, d, fmt.Sprintf("republish failed: %v", err))
		return
	}
	if err := d.Ack(); err != nil {
		logger.Error("reprocessor: ack failed", "error", err)
		return
	}
	r.deps.Metrics.RecordReprocessed(ctx)
	r.record(ctx, logger, d, "reprocessed", "")
}

func (r *Reprocessor) park(ctx context.Context, logger *slog.Logger, d queue.Delivery, reason string) {
	if err := r.deps.Parking.PublishParked(ctx, d.Message); err != nil {
		logger.Error("reprocessor: park publish failed, message left unacked for redelivery", "error", err)
		return
	}
	if err := d.Ack(); err != nil {
		logger.Error("reprocessor: ack failed after parking", "error", err)
		return
	}
	r.deps.Metrics.RecordParked(ctx)
	r.record(ctx, logger, d, "parked", reason)
}

// record writes an audit row for this reprocess decision. Recorder is
// optional; a write failure here is logged but never reopens the delivery,
// since the broker-side outcome (reprocessed/parked) has already been
// committed by the Ack above.
func (r *Reprocessor) record(ctx context.Context, logger *slog.Logger, d queue.Delivery, outcome, detail string) {
	if r.deps.Recorder == nil {
		return
	}
	if err := r.deps.Recorder.RecordReprocessAttempt(ctx, d.Message.DocumentID, d.DeathCount, outcome, detail); err != nil {
		logger.Warn("reprocessor: failed to write audit log", "error", err)
	}
}

// backoffDelay computes min(baseDelay * 2^(deathCount-1), maxDelay). A
// deathCount of 1 (first attempt) yields baseDelay.
func backoffDelay(base, max time.Duration, deathCount int) time.Duration {
	shift := deathCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 62 {
		return max
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
