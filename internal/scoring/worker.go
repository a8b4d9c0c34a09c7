package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

// RequestProcessor runs the full evaluation pipeline for one queued payment
// request. The pipeline service implements it.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *models.PaymentRequested) error
}

// requestStream is the slice of the stream client the worker drives:
// consume a batch, requeue a retry, dead-letter, acknowledge.
type requestStream interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	PublishRequest(ctx context.Context, req *models.PaymentRequested) (string, error)
	SendToDeadLetter(ctx context.Context, req *models.PaymentRequested, cause error) error
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
}

// Worker drains payment requests from the request stream and feeds them
// through the evaluation pipeline.
type Worker struct {
	id        string
	processor RequestProcessor
	stream    requestStream
	config    configs.WorkerConfig
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	metrics   *WorkerMetrics
}

// WorkerMetrics tracks worker throughput.
type WorkerMetrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FailedCount       int64
	RetriedCount      int64
	DeadLetteredCount int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates an evaluation worker.
func NewWorker(id string, processor RequestProcessor, stream requestStream, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:        id,
		processor: processor,
		stream:    stream,
		config:    config,
		stopCh:    make(chan struct{}),
		metrics:   &WorkerMetrics{},
	}
}

// Start launches the consumer goroutines and returns. Each goroutine joins
// the stream's consumer group under its own consumer name.
func (w *Worker) Start(ctx context.Context) {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting evaluation worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
}

// Stop signals the consumer goroutines and waits for in-flight batches.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
		w.wg.Wait()
		log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	})
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch reads one batch from the consumer group and evaluates every
// message. Failed requests are requeued with an incremented retry count
// until the retry budget runs out, then dead-lettered; either way the
// original message is acknowledged so the pending list stays clean.
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second) // Back off on error
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	var ackIDs []string

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("request_id", msg.Request.RequestID).
				Msg("Failed to process payment request")

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()

			if msg.Request.RetryCount < w.config.RetryAttempts {
				msg.Request.RetryCount++
				if _, err := w.stream.PublishRequest(ctx, msg.Request); err != nil {
					log.Error().Err(err).Str("request_id", msg.Request.RequestID).Msg("Failed to requeue request")
				} else {
					w.metrics.mu.Lock()
					w.metrics.RetriedCount++
					w.metrics.mu.Unlock()
				}
			} else {
				if err := w.stream.SendToDeadLetter(ctx, msg.Request, err); err != nil {
					log.Error().Err(err).Str("request_id", msg.Request.RequestID).Msg("Failed to send to dead letter queue")
				} else {
					w.metrics.mu.Lock()
					w.metrics.DeadLetteredCount++
					w.metrics.mu.Unlock()
				}
			}
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if len(ackIDs) > 0 {
		if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge messages")
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	if err := w.processor.ProcessRequest(ctx, msg.Request); err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	processingTime := time.Since(startTime)

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += processingTime.Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.mu.Unlock()

	return nil
}

// GetMetrics returns a copy of the worker metrics.
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FailedCount:       w.metrics.FailedCount,
		RetriedCount:      w.metrics.RetriedCount,
		DeadLetteredCount: w.metrics.DeadLetteredCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
	}
}

// WorkerPool manages multiple workers sharing one consumer group.
type WorkerPool struct {
	workers []*Worker
}

// NewWorkerPool creates numWorkers workers over the same stream client.
func NewWorkerPool(
	numWorkers int,
	processor RequestProcessor,
	stream requestStream,
	config configs.WorkerConfig,
) *WorkerPool {
	pool := &WorkerPool{
		workers: make([]*Worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i),
			processor,
			stream,
			config,
		)
	}

	return pool
}

// Start launches every worker and blocks until the context is cancelled.
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	for _, worker := range p.workers {
		worker.Start(ctx)
	}

	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

// Stop stops every worker and waits for them to drain.
func (p *WorkerPool) Stop() {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		worker.Stop()
	}

	log.Info().Msg("Worker pool stopped")
}

// GetAggregatedMetrics sums the per-worker metrics.
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFailed, totalRetried, totalDeadLettered, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		metrics := worker.GetMetrics()
		totalProcessed += metrics.ProcessedCount
		totalFailed += metrics.FailedCount
		totalRetried += metrics.RetriedCount
		totalDeadLettered += metrics.DeadLetteredCount
		totalProcessingMs += metrics.TotalProcessingMs
		if metrics.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = metrics.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_failed":      totalFailed,
		"total_retried":     totalRetried,
		"total_dead_letter": totalDeadLettered,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
