package reprocessor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/docpipeline/internal/metrics"
	"github.com/ashita-ai/docpipeline/internal/model"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/reprocessor"
	"github.com/ashita-ai/docpipeline/internal/testutil"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []model.DocumentMessage
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, msg model.DocumentMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

type fakeParking struct {
	mu     sync.Mutex
	parked []model.DocumentMessage
	err    error
}

func (p *fakeParking) PublishParked(ctx context.Context, msg model.DocumentMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.parked = append(p.parked, msg)
	return nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedAttempt
}

type recordedAttempt struct {
	documentID uuid.UUID
	attempt    int
	outcome    string
	detail     string
}

func (r *fakeRecorder) RecordReprocessAttempt(ctx context.Context, documentID uuid.UUID, attempt int, outcome, errorDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedAttempt{documentID, attempt, outcome, errorDetail})
	return nil
}

type fakeConsumer struct {
	deliveries []queue.Delivery
}

func (c *fakeConsumer) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	out := make(chan queue.Delivery, len(c.deliveries))
	for _, d := range c.deliveries {
		out <- d
	}
	close(out)
	return out, nil
}

func newDelivery(docID uuid.UUID, deathCount int) (queue.Delivery, *bool, *bool) {
	acked := new(bool)
	nacked := new(bool)
	return queue.Delivery{
		Message:    model.DocumentMessage{DocumentID: docID, Action: model.ActionClassify, CorrelationID: "corr-1"},
		DeathCount: deathCount,
		Ack:        func() error { *acked = true; return nil },
		Nack:       func(requeue bool) error { *nacked = true; return nil },
	}, acked, nacked
}

func TestBackoffDelayFormula(t *testing.T) {
	cases := []struct {
		deathCount int
		base       time.Duration
		max        time.Duration
		want       time.Duration
	}{
		{1, 50 * time.Millisecond, 200 * time.Millisecond, 50 * time.Millisecond},
		{2, 50 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond},
		{3, 50 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond},
		{4, 50 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond},
		{0, 50 * time.Millisecond, 200 * time.Millisecond, 50 * time.Millisecond},
	}
	for _, tc := range cases {
		doc := uuid.New()
		delivery, acked, _ := newDelivery(doc, tc.deathCount)
		pub := &fakePublisher{}
		park := &fakeParking{}
		consumer := &fakeConsumer{deliveries: []queue.Delivery{delivery}}

		r := reprocessor.New(reprocessor.Deps{
			Consumer: consumer, Publisher: pub, Parking: park,
			Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
			Config: reprocessor.Config{MaxRetryCycles: 10, BaseDelay: tc.base, MaxDelay: tc.max},
		})

		start := time.Now()
		require.NoError(t, r.Start(t.Context()))
		require.NoError(t, r.Drain(t.Context()))
		elapsed := time.Since(start)

		assert.True(t, *acked)
		assert.GreaterOrEqual(t, elapsed, tc.want, "deathCount=%d should delay at least %v", tc.deathCount, tc.want)
		require.Len(t, pub.published, 1)
		assert.Equal(t, doc, pub.published[0].DocumentID)
	}
}

func TestParksWhenDeathCountExceedsMaxRetryCycles(t *testing.T) {
	doc := uuid.New()
	delivery, acked, nacked := newDelivery(doc, 3)
	pub := &fakePublisher{}
	park := &fakeParking{}
	consumer := &fakeConsumer{deliveries: []queue.Delivery{delivery}}

	r := reprocessor.New(reprocessor.Deps{
		Consumer: consumer, Publisher: pub, Parking: park,
		Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
		Config: reprocessor.Config{MaxRetryCycles: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Drain(t.Context()))

	assert.True(t, *acked)
	assert.False(t, *nacked)
	assert.Empty(t, pub.published)
	require.Len(t, park.parked, 1)
	assert.Equal(t, doc, park.parked[0].DocumentID)
}

func TestMaxRetryCyclesZeroParksOnFirstFailure(t *testing.T) {
	doc := uuid.New()
	delivery, acked, _ := newDelivery(doc, 1)
	pub := &fakePublisher{}
	park := &fakeParking{}
	consumer := &fakeConsumer{deliveries: []queue.Delivery{delivery}}

	r := reprocessor.New(reprocessor.Deps{
		Consumer: consumer, Publisher: pub, Parking: park,
		Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
		Config: reprocessor.Config{MaxRetryCycles: 0, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Drain(t.Context()))

	assert.True(t, *acked)
	assert.Empty(t, pub.published)
	require.Len(t, park.parked, 1)
}

func TestRepublishFailureFallsBackToParking(t *testing.T) {
	doc := uuid.New()
	delivery, acked, _ := newDelivery(doc, 1)
	pub := &fakePublisher{err: assert.AnError}
	park := &fakeParking{}
	consumer := &fakeConsumer{deliveries: []queue.Delivery{delivery}}

	r := reprocessor.New(reprocessor.Deps{
		Consumer: consumer, Publisher: pub, Parking: park,
		Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
		Config: reprocessor.Config{MaxRetryCycles: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Drain(t.Context()))

	assert.True(t, *acked)
	require.Len(t, park.parked, 1)
	assert.Equal(t, doc, park.parked[0].DocumentID)
}

func TestRecordsAuditRowOnReprocessAndOnPark(t *testing.T) {
	reprocessedDoc := uuid.New()
	reprocessedDelivery, _, _ := newDelivery(reprocessedDoc, 1)
	parkedDoc := uuid.New()
	parkedDelivery, _, _ := newDelivery(parkedDoc, 5)

	pub := &fakePublisher{}
	park := &fakeParking{}
	rec := &fakeRecorder{}
	consumer := &fakeConsumer{deliveries: []queue.Delivery{reprocessedDelivery, parkedDelivery}}

	r := reprocessor.New(reprocessor.Deps{
		Consumer: consumer, Publisher: pub, Parking: park, Recorder: rec,
		Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
		Config: reprocessor.Config{MaxRetryCycles: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Drain(t.Context()))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, reprocessedDoc, rec.calls[0].documentID)
	assert.Equal(t, "reprocessed", rec.calls[0].outcome)
	assert.Equal(t, parkedDoc, rec.calls[1].documentID)
	assert.Equal(t, "parked", rec.calls[1].outcome)
	assert.NotEmpty(t, rec.calls[1].detail)
}

func TestDrainWithNoDeliveriesPublishesAndParksNothing(t *testing.T) {
	consumer := &fakeConsumer{}
	pub := &fakePublisher{}
	park := &fakeParking{}

	r := reprocessor.New(reprocessor.Deps{
		Consumer: consumer, Publisher: pub, Parking: park,
		Metrics: metrics.NewReprocessor(), Logger: testutil.TestLogger(),
		Config: reprocessor.Config{MaxRetryCycles: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Drain(t.Context()))
	assert.Empty(t, pub.published)
	assert.Empty(t, park.parked)
}
