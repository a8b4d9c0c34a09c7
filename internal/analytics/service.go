package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// AnalyticsService aggregates evaluation outcomes for reporting. Reads that
// back dashboards are cache-first with short TTLs; everything else is raw
// SQL over the transactions and fraud_alerts tables.
type AnalyticsService struct {
	txRepo      *repositories.TransactionRepository
	alertRepo   *repositories.AlertRepository
	db          *repositories.Database
	cacheClient *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(
	txRepo *repositories.TransactionRepository,
	alertRepo *repositories.AlertRepository,
	db *repositories.Database,
	cacheClient *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		txRepo:      txRepo,
		alertRepo:   alertRepo,
		db:          db,
		cacheClient: cacheClient,
	}
}

// GetDailySummary returns the decision summary for a specific date.
func (s *AnalyticsService) GetDailySummary(ctx context.Context, date time.Time) (*models.DecisionSummary, error) {
	// Try cache first
	cacheKey := fmt.Sprintf("analytics:daily_summary:%s", date.Format("2006-01-02"))
	var cached models.DecisionSummary
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	summary, err := s.alertRepo.GetDailySummary(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}

	// Recent dates keep changing; historical ones can sit in cache longer.
	if s.cacheClient != nil {
		cacheDuration := 5 * time.Minute
		if time.Since(date) > 24*time.Hour {
			cacheDuration = 1 * time.Hour
		}
		if err := s.cacheClient.Set(ctx, cacheKey, summary, cacheDuration); err != nil {
			log.Warn().Err(err).Msg("Failed to cache daily summary")
		}
	}

	return summary, nil
}

// GetDailySummaryRange returns decision summaries for a date range.
func (s *AnalyticsService) GetDailySummaryRange(ctx context.Context, startDate, endDate time.Time) ([]*models.DecisionSummary, error) {
	var summaries []*models.DecisionSummary

	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		summary, err := s.GetDailySummary(ctx, d)
		if err != nil {
			log.Warn().Err(err).Time("date", d).Msg("Failed to get summary for date")
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// GetCardProfile returns the evaluation profile of one card.
func (s *AnalyticsService) GetCardProfile(ctx context.Context, cardID string) (*CardProfile, error) {
	id, err := uuid.Parse(cardID)
	if err != nil {
		return nil, fmt.Errorf("invalid card_id: %w", err)
	}

	// Try cache first
	cacheKey := fmt.Sprintf("analytics:card_profile:%s", cardID)
	var cached CardProfile
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN decision = 'APPROVED' THEN 1 END),
			COUNT(CASE WHEN decision = 'REVIEW' THEN 1 END),
			COUNT(CASE WHEN decision = 'BLOCKED' THEN 1 END),
			COUNT(CASE WHEN fraud THEN 1 END),
			COALESCE(AVG(risk_score), 0),
			COALESCE(MAX(risk_score), 0),
			COALESCE(SUM(amount), 0),
			MAX(created_at)
		FROM transactions
		WHERE card_id = $1
	`

	profile := &CardProfile{CardID: id}
	var lastAt *time.Time
	err = s.db.Pool.QueryRow(ctx, query, id).Scan(
		&profile.Evaluations,
		&profile.ApprovedCount,
		&profile.ReviewCount,
		&profile.BlockedCount,
		&profile.FraudCount,
		&profile.AvgFraudScore,
		&profile.MaxFraudScore,
		&profile.TotalAmount,
		&lastAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get card profile: %w", err)
	}
	profile.LastEvaluationAt = lastAt

	alertQuery := `
		SELECT COUNT(*)
		FROM fraud_alerts
		WHERE card_id = $1
	`
	if err := s.db.Pool.QueryRow(ctx, alertQuery, id).Scan(&profile.AlertCount); err != nil {
		return nil, fmt.Errorf("failed to count card alerts: %w", err)
	}

	// Cache for 5 minutes
	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, profile, 5*time.Minute); err != nil {
			log.Warn().Err(err).Msg("Failed to cache card profile")
		}
	}

	return profile, nil
}

// GetFlaggedTransactions returns blocked transactions with their alerts.
func (s *AnalyticsService) GetFlaggedTransactions(ctx context.Context, page, pageSize int) (*FlaggedTransactionsResponse, error) {
	transactions, total, err := s.txRepo.GetByDecision(ctx, models.DecisionBlocked, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get flagged transactions: %w", err)
	}

	// Enrich with the alert that flagged each transaction.
	var enriched []FlaggedTransaction
	for _, tx := range transactions {
		ft := FlaggedTransaction{Transaction: tx}

		alert, err := s.alertRepo.GetByTransactionID(ctx, tx.ID)
		if err == nil && alert != nil {
			ft.Alerts = alert.AlertTypes
			ft.Severity = alert.Severity
			ft.Probability = alert.Probability
		}
		enriched = append(enriched, ft)
	}

	return &FlaggedTransactionsResponse{
		Transactions: enriched,
		Pagination: models.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	}, nil
}

// GetSystemMetrics returns current system metrics
func (s *AnalyticsService) GetSystemMetrics(ctx context.Context, streamClient *queue.RedisStreamClient) (*SystemMetrics, error) {
	metrics := &SystemMetrics{
		Timestamp: time.Now(),
	}

	dbStats := s.db.Stats()
	metrics.DBConnectionsActive = int(dbStats.AcquiredConns())
	metrics.DBConnectionsIdle = int(dbStats.IdleConns())

	if streamClient != nil {
		info, err := streamClient.GetStreamInfo(ctx)
		if err == nil {
			metrics.QueueDepth = int(info.PendingCount)
			metrics.QueueLength = int(info.Length)
		}
	}

	eps, err := s.calculateEvaluationsPerSec(ctx)
	if err == nil {
		metrics.EvaluationsPerSec = eps
	}

	avgLatency, err := s.calculateAvgEvaluationMs(ctx)
	if err == nil {
		metrics.AvgEvaluationMs = avgLatency
	}

	blockRate, err := s.calculateBlockRate(ctx)
	if err == nil {
		metrics.BlockRate = blockRate
	}

	return metrics, nil
}

// calculateEvaluationsPerSec counts evaluations over the last minute.
func (s *AnalyticsService) calculateEvaluationsPerSec(ctx context.Context) (float64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE created_at >= NOW() - INTERVAL '1 minute'
	`

	var count int
	err := s.db.Pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return float64(count) / 60.0, nil
}

// calculateAvgEvaluationMs averages created→processed latency over the
// last five minutes.
func (s *AnalyticsService) calculateAvgEvaluationMs(ctx context.Context) (float64, error) {
	query := `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - created_at)) * 1000), 0)
		FROM transactions
		WHERE processed_at IS NOT NULL
		  AND created_at >= NOW() - INTERVAL '5 minutes'
	`

	var avgMs float64
	err := s.db.Pool.QueryRow(ctx, query).Scan(&avgMs)
	if err != nil {
		return 0, err
	}

	return avgMs, nil
}

// calculateBlockRate is the share of evaluations blocked in the last hour.
func (s *AnalyticsService) calculateBlockRate(ctx context.Context) (float64, error) {
	query := `
		SELECT
			COUNT(CASE WHEN decision = 'BLOCKED' THEN 1 END)::float /
			NULLIF(COUNT(*), 0)
		FROM transactions
		WHERE created_at >= NOW() - INTERVAL '1 hour'
	`

	var blockRate *float64
	err := s.db.Pool.QueryRow(ctx, query).Scan(&blockRate)
	if err != nil {
		return 0, err
	}

	if blockRate == nil {
		return 0, nil
	}

	return *blockRate, nil
}

// GetDecisionDistribution returns the decision mix over the last N days.
func (s *AnalyticsService) GetDecisionDistribution(ctx context.Context, days int) (*DecisionDistribution, error) {
	query := `
		SELECT
			decision,
			COUNT(*) as count
		FROM transactions
		WHERE created_at >= NOW() - ($1::text || ' days')::interval
		GROUP BY decision
		ORDER BY
			CASE decision
				WHEN 'APPROVED' THEN 1
				WHEN 'REVIEW' THEN 2
				WHEN 'BLOCKED' THEN 3
			END
	`

	rows, err := s.db.Pool.Query(ctx, query, fmt.Sprintf("%d", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	distribution := &DecisionDistribution{
		Period:    fmt.Sprintf("%d days", days),
		Decisions: make(map[string]int),
	}

	var total int
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		distribution.Decisions[decision] = count
		total += count
	}
	distribution.Total = total

	return distribution, nil
}

// GetTopAlertTypes returns the most frequently triggered alert tags within
// the given time window. The count is the number of DISTINCT transactions
// the tag appeared on, so it can be safely compared against the total
// alerted transaction count.
func (s *AnalyticsService) GetTopAlertTypes(ctx context.Context, days, limit int) ([]models.AlertCount, error) {
	query := `
		SELECT
			alert_type,
			COUNT(DISTINCT transaction_id) AS count
		FROM (
			SELECT
				transaction_id,
				unnest(alert_types) AS alert_type
			FROM fraud_alerts
			WHERE created_at >= NOW() - ($1::text || ' days')::interval
		) t
		GROUP BY alert_type
		ORDER BY count DESC
		LIMIT $2
	`

	rows, err := s.db.Pool.Query(ctx, query, fmt.Sprintf("%d", days), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []models.AlertCount
	for rows.Next() {
		var ac models.AlertCount
		if err := rows.Scan(&ac.AlertType, &ac.Count); err != nil {
			return nil, err
		}
		counts = append(counts, ac)
	}

	return counts, nil
}

// GetHourlyVolume returns evaluation volume by hour for one date.
func (s *AnalyticsService) GetHourlyVolume(ctx context.Context, date time.Time) ([]HourlyVolume, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			EXTRACT(HOUR FROM created_at)::int as hour,
			COUNT(*) as count,
			COALESCE(SUM(amount), 0) as total_amount,
			COUNT(CASE WHEN decision = 'BLOCKED' THEN 1 END) as blocked_count
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY EXTRACT(HOUR FROM created_at)
		ORDER BY hour
	`

	rows, err := s.db.Pool.Query(ctx, query, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []HourlyVolume
	for rows.Next() {
		var hv HourlyVolume
		if err := rows.Scan(&hv.Hour, &hv.Count, &hv.TotalAmount, &hv.BlockedCount); err != nil {
			return nil, err
		}
		volumes = append(volumes, hv)
	}

	return volumes, nil
}

// Response types

// FlaggedTransaction pairs a blocked transaction with its alert details.
type FlaggedTransaction struct {
	Transaction *models.Transaction `json:"transaction"`
	Alerts      []models.AlertType  `json:"alerts,omitempty"`
	Severity    string              `json:"severity,omitempty"`
	Probability int                 `json:"probability,omitempty"`
}

// FlaggedTransactionsResponse is the response for flagged transactions
type FlaggedTransactionsResponse struct {
	Transactions []FlaggedTransaction `json:"transactions"`
	Pagination   models.Pagination    `json:"pagination"`
}

// CardProfile summarizes one card's evaluation history.
type CardProfile struct {
	CardID           uuid.UUID  `json:"card_id"`
	Evaluations      int        `json:"evaluations"`
	ApprovedCount    int        `json:"approved_count"`
	ReviewCount      int        `json:"review_count"`
	BlockedCount     int        `json:"blocked_count"`
	FraudCount       int        `json:"fraud_count"`
	AvgFraudScore    float64    `json:"avg_fraud_score"`
	MaxFraudScore    int        `json:"max_fraud_score"`
	TotalAmount      float64    `json:"total_amount"`
	AlertCount       int        `json:"alert_count"`
	LastEvaluationAt *time.Time `json:"last_evaluation_at,omitempty"`
}

// DecisionDistribution represents the decision mix over a period.
type DecisionDistribution struct {
	Period    string         `json:"period"`
	Decisions map[string]int `json:"decisions"`
	Total     int            `json:"total"`
}

// HourlyVolume represents evaluation volume for an hour
type HourlyVolume struct {
	Hour         int     `json:"hour"`
	Count        int     `json:"count"`
	TotalAmount  float64 `json:"total_amount"`
	BlockedCount int     `json:"blocked_count"`
}

// SystemMetrics is a point-in-time view of pipeline health.
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	EvaluationsPerSec   float64   `json:"evaluations_per_sec"`
	AvgEvaluationMs     float64   `json:"avg_evaluation_ms"`
	BlockRate           float64   `json:"block_rate"`
	QueueDepth          int       `json:"queue_depth"`
	QueueLength         int       `json:"queue_length"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
}
