// Package metrics registers the OTEL instruments shared by the worker and
// DLQ reprocessor: classification counts, error counts, processing
// duration, and the parked/reprocessed counters C5 needs.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Worker holds the instruments recorded by the C4 consumer pipeline.
type Worker struct {
	classified  metric.Int64Counter
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
	breakerTrip metric.Int64Counter
}

// NewWorker registers the worker's instruments against the global meter
// provider (a no-op provider if telemetry.Init was never called).
func NewWorker() *Worker {
	meter := otel.GetMeterProvider().Meter("docpipeline/worker")

	classified, _ := meter.Int64Counter("worker.documents_classified")
	errs, _ := meter.Int64Counter("worker.errors")
	duration, _ := meter.Float64Histogram("worker.processing_duration", metric.WithUnit("ms"))
	breakerTrip, _ := meter.Int64Counter("worker.breaker_trips")

	return &Worker{classified: classified, errors: errs, duration: duration, breakerTrip: breakerTrip}
}

// RecordClassified records a successful classification with its outcome label.
func (w *Worker) RecordClassified(ctx context.Context, classification string) {
	w.classified.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", classification)))
}

// RecordError records a failed delivery attempt, tagged by error kind
// ("transient", "circuit_open", "integrity").
func (w *Worker) RecordError(ctx context.Context, kind string) {
	w.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDuration records the wall-clock time spent processing one delivery, in milliseconds.
func (w *Worker) RecordDuration(ctx context.Context, ms float64) {
	w.duration.Record(ctx, ms)
}

// RecordBreakerTrip records a transition of the classifier circuit breaker to Open.
func (w *Worker) RecordBreakerTrip(ctx context.Context) {
	w.breakerTrip.Add(ctx, 1)
}

// Reprocessor holds the instruments recorded by the C5 DLQ reprocessor.
type Reprocessor struct {
	reprocessed metric.Int64Counter
	parked      metric.Int64Counter
}

// NewReprocessor registers the reprocessor's instruments.
func NewReprocessor() *Reprocessor {
	meter := otel.GetMeterProvider().Meter("docpipeline/reprocessor")

	reprocessed, _ := meter.Int64Counter("reprocessor.reprocessed")
	parked, _ := meter.Int64Counter("reprocessor.parked")

	return &Reprocessor{reprocessed: reprocessed, parked: parked}
}

// RecordReprocessed records a message sent back to exchange.document after backoff.
func (r *Reprocessor) RecordReprocessed(ctx context.Context) {
	r.reprocessed.Add(ctx, 1)
}

// RecordParked records a message that exceeded its retry budget and was parked.
func (r *Reprocessor) RecordParked(ctx context.Context) {
	r.parked.Add(ctx, 1)
}
