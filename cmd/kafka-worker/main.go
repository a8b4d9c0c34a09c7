package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// =============================================================================
// HYBRID ARCHITECTURE: Kafka CDC Analytics Pipeline
// =============================================================================
// This worker does NOT evaluate payments (the Redis Stream workers do that).
// Instead, it captures ALL database changes on the transactions table for:
//   - Audit trail / compliance logging
//   - Real-time fraud metrics aggregation
//   - ML model training data collection
//   - Event replay capabilities
//   - Data warehouse sync
// =============================================================================

// DebeziumMessage represents a CDC event from Debezium
type DebeziumMessage struct {
	Before      json.RawMessage `json:"before"`
	After       json.RawMessage `json:"after"`
	Source      DebeziumSource  `json:"source"`
	Op          string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs        int64           `json:"ts_ms"`
	Transaction json.RawMessage `json:"transaction"`
}

// DebeziumSource contains metadata about the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot"`
	DB        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxID      int64  `json:"txId"`
	LSN       int64  `json:"lsn"`
}

// TransactionCDC is the transactions row as Debezium serializes it.
type TransactionCDC struct {
	ID               string      `json:"id"`
	CardID           string      `json:"card_id"`
	DeviceID         string      `json:"device_id"`
	Amount           interface{} `json:"amount"` // numeric arrives as string or float
	Merchant         string      `json:"merchant"`
	MerchantCategory string      `json:"merchant_category"`
	Country          string      `json:"country"`
	Decision         string      `json:"decision"`
	Fraud            bool        `json:"fraud"`
	RiskScore        int         `json:"risk_score"`
	CreatedAt        string      `json:"created_at"`
	ProcessedAt      *string     `json:"processed_at"`
}

// AnalyticsEvent represents a processed event for analytics
type AnalyticsEvent struct {
	EventType     string                 `json:"event_type"`
	TransactionID string                 `json:"transaction_id"`
	CardID        string                 `json:"card_id"`
	Merchant      string                 `json:"merchant"`
	Category      string                 `json:"category"`
	Country       string                 `json:"country"`
	Decision      string                 `json:"decision"`
	PrevDecision  string                 `json:"prev_decision,omitempty"`
	Fraud         bool                   `json:"fraud"`
	RiskScore     int                    `json:"risk_score"`
	AlertTypes    []string               `json:"alert_types,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CDCTimestamp  int64                  `json:"cdc_timestamp_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// RealTimeMetrics tracks live metrics
type RealTimeMetrics struct {
	mu                   sync.RWMutex
	EvaluationsCaptured  int64
	EvaluationsApproved  int64
	EvaluationsReview    int64
	EvaluationsBlocked   int64
	FraudFlagged         int64
	CategoryDistribution map[string]int64
	CountryDistribution  map[string]int64
	DecisionTransitions  map[string]int64
	LastEventTime        time.Time
	EventsPerSecond      float64
	windowStart          time.Time
	windowCount          int64
}

func NewRealTimeMetrics() *RealTimeMetrics {
	return &RealTimeMetrics{
		CategoryDistribution: make(map[string]int64),
		CountryDistribution:  make(map[string]int64),
		DecisionTransitions:  make(map[string]int64),
		windowStart:          time.Now(),
	}
}

func (m *RealTimeMetrics) RecordEvent(event *AnalyticsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastEventTime = time.Now()
	m.windowCount++

	// Calculate events per second
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}

	// Reset window every minute
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	switch event.EventType {
	case "evaluation_captured":
		m.EvaluationsCaptured++
		m.CategoryDistribution[event.Category]++
		if event.Country != "" {
			m.CountryDistribution[event.Country]++
		}
	case "evaluation_decided":
		transition := event.PrevDecision + "->" + event.Decision
		m.DecisionTransitions[transition]++

		switch event.Decision {
		case models.DecisionApproved:
			m.EvaluationsApproved++
		case models.DecisionReview:
			m.EvaluationsReview++
		case models.DecisionBlocked:
			m.EvaluationsBlocked++
		}
		if event.Fraud {
			m.FraudFlagged++
		}
	}
}

func (m *RealTimeMetrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"evaluations_captured":  m.EvaluationsCaptured,
		"evaluations_approved":  m.EvaluationsApproved,
		"evaluations_review":    m.EvaluationsReview,
		"evaluations_blocked":   m.EvaluationsBlocked,
		"fraud_flagged":         m.FraudFlagged,
		"events_per_second":     m.EventsPerSecond,
		"category_distribution": m.CategoryDistribution,
		"country_distribution":  m.CountryDistribution,
		"decision_transitions":  m.DecisionTransitions,
		"last_event_time":       m.LastEventTime,
	}
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENVIRONMENT") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Msg("🔄 Starting Kafka CDC Analytics Pipeline")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msg("This pipeline captures CDC events for analytics & audit.")
	log.Info().Msg("Evaluation is handled by Redis Stream workers (fast path).")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	// Load configuration
	cfg := configs.Load()

	// Get Kafka configuration from environment
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = "localhost:9092"
	}
	brokers := strings.Split(kafkaBrokers, ",")

	kafkaGroupID := os.Getenv("KAFKA_GROUP_ID")
	if kafkaGroupID == "" {
		kafkaGroupID = "fraud-analytics-pipeline"
	}

	kafkaTopics := os.Getenv("KAFKA_TOPICS")
	if kafkaTopics == "" {
		kafkaTopics = "fraud-engine.public.transactions"
	}
	topics := strings.Split(kafkaTopics, ",")

	// Connect to database (for alert enrichment queries)
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Connect to Redis (for caching and publishing analytics)
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Initialize repositories
	alertRepo := repositories.NewAlertRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Initialize real-time metrics
	metrics := NewRealTimeMetrics()

	// Create Kafka consumer
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(brokers, kafkaGroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	// Create consumer handler
	handler := &AnalyticsPipelineHandler{
		metrics:     metrics,
		alertRepo:   alertRepo,
		auditRepo:   auditRepo,
		cacheClient: cacheClient,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping analytics pipeline...")
		cancel()
	}()

	// Start metrics reporter (logs every 30 seconds)
	go handler.startMetricsReporter(ctx)

	// Periodically flush buffered compliance entries
	go handler.startAuditFlusher(ctx)

	// Start consuming
	log.Info().
		Strs("brokers", brokers).
		Strs("topics", topics).
		Str("group_id", kafkaGroupID).
		Msg("📊 Analytics pipeline started - consuming CDC events")

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down analytics pipeline")
			return
		}
	}
}

// AnalyticsPipelineHandler processes CDC events for analytics
type AnalyticsPipelineHandler struct {
	metrics     *RealTimeMetrics
	alertRepo   *repositories.AlertRepository
	auditRepo   *repositories.AuditRepository
	cacheClient *queue.CacheClient

	mu      sync.Mutex
	pending []*models.AuditLog
}

func (h *AnalyticsPipelineHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics pipeline session started")
	return nil
}

func (h *AnalyticsPipelineHandler) Cleanup(sarama.ConsumerGroupSession) error {
	// Rebalances must not lose buffered compliance entries.
	h.flushAudit(context.Background())
	log.Info().Msg("Analytics pipeline session ended")
	return nil
}

func (h *AnalyticsPipelineHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *AnalyticsPipelineHandler) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	// Parse Debezium message
	var debeziumMsg DebeziumMessage
	if err := json.Unmarshal(message.Value, &debeziumMsg); err != nil {
		log.Error().Err(err).Msg("Failed to parse Debezium message")
		return
	}

	// Parse the transaction row. Deletes carry the row in 'before'; a
	// dataset reset produces those in bulk.
	var tx TransactionCDC
	var prevTx *TransactionCDC

	if debeziumMsg.Before != nil {
		prevTx = &TransactionCDC{}
		if err := json.Unmarshal(debeziumMsg.Before, prevTx); err != nil {
			prevTx = nil // Ignore parse errors for 'before'
		}
	}

	switch {
	case debeziumMsg.After != nil:
		if err := json.Unmarshal(debeziumMsg.After, &tx); err != nil {
			log.Error().Err(err).Msg("Failed to parse transaction from CDC payload")
			return
		}
	case prevTx != nil:
		tx = *prevTx
	default:
		return
	}

	// Create analytics event
	event := h.createAnalyticsEvent(&debeziumMsg, &tx, prevTx)

	// Enrich blocked decisions with the alert that produced them
	if event.EventType == "evaluation_decided" && event.Decision == models.DecisionBlocked {
		h.enrichWithAlert(ctx, event)
	}

	// Record in real-time metrics
	h.metrics.RecordEvent(event)

	// Log the event with appropriate level
	h.logEvent(event)

	// Store in audit trail (could be sent to data lake, S3, etc.)
	h.storeAuditEvent(ctx, event)
}

func (h *AnalyticsPipelineHandler) createAnalyticsEvent(msg *DebeziumMessage, tx *TransactionCDC, prevTx *TransactionCDC) *AnalyticsEvent {
	eventType := "unknown"
	switch msg.Op {
	case "c":
		eventType = "evaluation_captured"
	case "u":
		eventType = "evaluation_decided"
	case "d":
		eventType = "transaction_deleted"
	case "r":
		eventType = "transaction_snapshot"
	}

	event := &AnalyticsEvent{
		EventType:     eventType,
		TransactionID: tx.ID,
		CardID:        tx.CardID,
		Merchant:      tx.Merchant,
		Category:      tx.MerchantCategory,
		Country:       tx.Country,
		Decision:      tx.Decision,
		Fraud:         tx.Fraud,
		RiskScore:     tx.RiskScore,
		Timestamp:     time.Now(),
		CDCTimestamp:  msg.TsMs,
		Metadata: map[string]interface{}{
			"table":     msg.Source.Table,
			"lsn":       msg.Source.LSN,
			"txId":      msg.Source.TxID,
			"connector": msg.Source.Connector,
		},
	}

	if prevTx != nil {
		event.PrevDecision = prevTx.Decision
	}

	return event
}

func (h *AnalyticsPipelineHandler) enrichWithAlert(ctx context.Context, event *AnalyticsEvent) {
	txID, err := uuid.Parse(event.TransactionID)
	if err != nil {
		return
	}

	alert, err := h.alertRepo.GetByTransactionID(ctx, txID)
	if err != nil || alert == nil {
		return
	}

	for _, t := range alert.AlertTypes {
		event.AlertTypes = append(event.AlertTypes, string(t))
	}
	event.Metadata["severity"] = alert.Severity
	event.Metadata["probability"] = alert.Probability
}

func (h *AnalyticsPipelineHandler) logEvent(event *AnalyticsEvent) {
	switch event.EventType {
	case "evaluation_captured":
		log.Info().
			Str("event", "📥 NEW").
			Str("tx_id", shortID(event.TransactionID)).
			Str("merchant", event.Merchant).
			Str("category", event.Category).
			Msg("Transaction captured")

	case "evaluation_decided":
		icon := "📝"
		switch event.Decision {
		case models.DecisionApproved:
			icon = "✅"
		case models.DecisionReview:
			icon = "🔍"
		case models.DecisionBlocked:
			icon = "🛑"
		}

		logger := log.Info().
			Str("event", icon+" DECIDED").
			Str("tx_id", shortID(event.TransactionID)).
			Str("decision", event.PrevDecision+"→"+event.Decision).
			Int("risk_score", event.RiskScore)
		if len(event.AlertTypes) > 0 {
			logger = logger.Strs("alerts", event.AlertTypes)
		}
		logger.Msg("Evaluation decided")

	case "transaction_deleted":
		log.Debug().
			Str("event", "🗑️ DELETE").
			Str("tx_id", shortID(event.TransactionID)).
			Msg("Transaction deleted")
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// auditFlushSize bounds the compliance batch buffered in memory.
const auditFlushSize = 64

// storeAuditEvent caches the event for dashboard access and, for decided
// evaluations, buffers a compliance entry. The evaluation pipeline's own
// audit write is best effort; this path replays the WAL, so the entry
// survives even when the inline write was dropped.
func (h *AnalyticsPipelineHandler) storeAuditEvent(ctx context.Context, event *AnalyticsEvent) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Recent events live in a capped Redis list
	key := "analytics:recent_events"
	h.cacheClient.LPush(ctx, key, string(eventJSON))
	h.cacheClient.LTrim(ctx, key, 0, 999)

	if event.EventType != "evaluation_decided" {
		return
	}
	txID, err := uuid.Parse(event.TransactionID)
	if err != nil {
		return
	}

	entry := &models.AuditLog{
		EventType:  models.AuditEventDecisionCapture,
		EntityID:   txID,
		EntityType: "transaction",
		Action:     "decide",
		Payload: models.JSONB{
			"decision":      event.Decision,
			"prev_decision": event.PrevDecision,
			"risk_score":    event.RiskScore,
			"fraud":         event.Fraud,
			"cdc_ts_ms":     event.CDCTimestamp,
		},
	}

	h.mu.Lock()
	h.pending = append(h.pending, entry)
	full := len(h.pending) >= auditFlushSize
	h.mu.Unlock()

	if full {
		h.flushAudit(ctx)
	}
}

// flushAudit writes the buffered compliance entries in one batch. On
// failure the entries are dropped; the consumer group can always replay
// the topic.
func (h *AnalyticsPipelineHandler) flushAudit(ctx context.Context) {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := h.auditRepo.CreateBatch(ctx, batch); err != nil {
		log.Warn().Err(err).Int("entries", len(batch)).Msg("Failed to flush compliance batch")
		return
	}
	log.Debug().Int("entries", len(batch)).Msg("Compliance batch flushed")
}

func (h *AnalyticsPipelineHandler) startAuditFlusher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.flushAudit(ctx)
		case <-ctx.Done():
			h.flushAudit(context.Background())
			return
		}
	}
}

func (h *AnalyticsPipelineHandler) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.GetSnapshot()
			log.Info().
				Int64("captured", snapshot["evaluations_captured"].(int64)).
				Int64("approved", snapshot["evaluations_approved"].(int64)).
				Int64("review", snapshot["evaluations_review"].(int64)).
				Int64("blocked", snapshot["evaluations_blocked"].(int64)).
				Int64("fraud", snapshot["fraud_flagged"].(int64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Msg("📊 Analytics Pipeline Metrics")

		case <-ctx.Done():
			return
		}
	}
}
