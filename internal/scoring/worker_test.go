package scoring_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

// fakeRequestStream is an in-memory stand-in for the request stream.
// Republished requests go straight back on the queue, so the retry loop
// plays out within one test.
type fakeRequestStream struct {
	mu         sync.Mutex
	queue      []queue.StreamMessage
	published  []*models.PaymentRequested
	deadLetter []*models.PaymentRequested
	acked      []string
	nextID     int
}

func (f *fakeRequestStream) seed(requests ...*models.PaymentRequested) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range requests {
		f.nextID++
		f.queue = append(f.queue, queue.StreamMessage{
			ID:      fmt.Sprintf("msg-%d", f.nextID),
			Request: req,
		})
	}
}

func (f *fakeRequestStream) Consume(_ context.Context, _ string, count int64, _ time.Duration) ([]queue.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	n := int(count)
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	return batch, nil
}

func (f *fakeRequestStream) PublishRequest(_ context.Context, req *models.PaymentRequested) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, req)
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.queue = append(f.queue, queue.StreamMessage{ID: id, Request: req})
	return id, nil
}

func (f *fakeRequestStream) SendToDeadLetter(_ context.Context, req *models.PaymentRequested, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetter = append(f.deadLetter, req)
	return nil
}

func (f *fakeRequestStream) AcknowledgeBatch(_ context.Context, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, messageIDs...)
	return nil
}

func (f *fakeRequestStream) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeRequestStream) deadLetterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deadLetter)
}

// fakeProcessor fails the request ids it is told to and records the rest.
type fakeProcessor struct {
	mu       sync.Mutex
	requests []*models.PaymentRequested
	failIDs  map[string]bool
}

func (f *fakeProcessor) ProcessRequest(_ context.Context, req *models.PaymentRequested) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failIDs[req.RequestID] {
		return errors.New("pipeline rejected request")
	}
	return nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func workerConfig() configs.WorkerConfig {
	return configs.WorkerConfig{
		Concurrency:   1,
		BatchSize:     10,
		PollInterval:  10 * time.Millisecond,
		RetryAttempts: 3,
	}
}

func TestWorker_ProcessesQueuedRequests(t *testing.T) {
	stream := &fakeRequestStream{}
	stream.seed(
		&models.PaymentRequested{RequestID: "req-1"},
		&models.PaymentRequested{RequestID: "req-2", Manual: true},
	)
	processor := &fakeProcessor{}

	w := scoring.NewWorker("worker-test", processor, stream, workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	require.Eventually(t, func() bool { return stream.ackedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, 2, processor.callCount())
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, stream.acked)

	metrics := w.GetMetrics()
	assert.EqualValues(t, 2, metrics.ProcessedCount)
	assert.EqualValues(t, 0, metrics.FailedCount)
	assert.False(t, metrics.LastProcessedAt.IsZero())
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	stream := &fakeRequestStream{}
	stream.seed(&models.PaymentRequested{RequestID: "req-bad"})
	processor := &fakeProcessor{failIDs: map[string]bool{"req-bad": true}}

	w := scoring.NewWorker("worker-test", processor, stream, workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	require.Eventually(t, func() bool { return stream.deadLetterCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	// Initial delivery plus three retries, every delivery acknowledged.
	assert.Equal(t, 4, processor.callCount())
	assert.Equal(t, 4, stream.ackedCount())
	assert.Len(t, stream.published, 3)

	require.Len(t, stream.deadLetter, 1)
	assert.Equal(t, "req-bad", stream.deadLetter[0].RequestID)
	assert.Equal(t, 3, stream.deadLetter[0].RetryCount)

	metrics := w.GetMetrics()
	assert.EqualValues(t, 4, metrics.FailedCount)
	assert.EqualValues(t, 3, metrics.RetriedCount)
	assert.EqualValues(t, 1, metrics.DeadLetteredCount)
	assert.EqualValues(t, 0, metrics.ProcessedCount)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := scoring.NewWorker("worker-test", &fakeProcessor{}, &fakeRequestStream{}, workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	w.Stop()
	assert.NotPanics(t, w.Stop)
}

func TestWorkerPool_RunsUntilCancelled(t *testing.T) {
	stream := &fakeRequestStream{}
	stream.seed(&models.PaymentRequested{RequestID: "req-1"})
	processor := &fakeProcessor{}

	pool := scoring.NewWorkerPool(2, processor, stream, workerConfig())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Start(ctx) }()

	require.Eventually(t, func() bool { return stream.ackedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	aggregated := pool.GetAggregatedMetrics()
	assert.Equal(t, 2, aggregated["active_workers"])
	assert.EqualValues(t, 1, aggregated["total_processed"])
}
