package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrAlertNotFound = errors.New("fraud alert not found")
)

// AlertRepository handles fraud alert database operations
type AlertRepository struct {
	db *Database
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *Database) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `
	id, transaction_id, card_id, alert_types, fraud_score,
	severity, probability, description, status, created_at
`

// CreateTx persists a new fraud alert inside an open transaction. Alerts
// are only ever written by the evaluation unit of work, atomically with
// the transaction row that triggered them.
func (r *AlertRepository) CreateTx(ctx context.Context, tx pgx.Tx, alert *models.FraudAlert) error {
	query := `
		INSERT INTO fraud_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}

	_, err := tx.Exec(ctx, query,
		alert.ID,
		alert.TransactionID,
		alert.CardID,
		pq.Array(alertTypesToStrings(alert.AlertTypes)),
		alert.FraudScore,
		alert.Severity,
		alert.Probability,
		alert.Description,
		alert.Status,
		alert.CreatedAt,
	)

	return err
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE id = $1`
	return r.queryOne(ctx, query, id)
}

// GetByTransactionID retrieves the alert persisted for a transaction
func (r *AlertRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*models.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE transaction_id = $1`
	return r.queryOne(ctx, query, transactionID)
}

func (r *AlertRepository) queryOne(ctx context.Context, query string, arg any) (*models.FraudAlert, error) {
	alert := &models.FraudAlert{}
	var alertTypes []string

	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(
		&alert.ID,
		&alert.TransactionID,
		&alert.CardID,
		&alertTypes, // pgx can handle []string directly
		&alert.FraudScore,
		&alert.Severity,
		&alert.Probability,
		&alert.Description,
		&alert.Status,
		&alert.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}

	alert.AlertTypes = alertTypesFromStrings(alertTypes)
	return alert, nil
}

// GetByCardID retrieves alerts for a card with pagination
func (r *AlertRepository) GetByCardID(ctx context.Context, cardID uuid.UUID, page, pageSize int) ([]*models.FraudAlert, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM fraud_alerts WHERE card_id = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, cardID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + alertColumns + `
		FROM fraud_alerts
		WHERE card_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, cardID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanAlerts(rows, total)
}

// GetRecent retrieves the newest alerts regardless of status
func (r *AlertRepository) GetRecent(ctx context.Context, page, pageSize int) ([]*models.FraudAlert, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM fraud_alerts`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + alertColumns + `
		FROM fraud_alerts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanAlerts(rows, total)
}

// GetByStatus retrieves alerts in a review state with pagination
func (r *AlertRepository) GetByStatus(ctx context.Context, status string, page, pageSize int) ([]*models.FraudAlert, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM fraud_alerts WHERE status = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + alertColumns + `
		FROM fraud_alerts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, status, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanAlerts(rows, total)
}

// UpdateStatus moves an alert through the review workflow
func (r *AlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE fraud_alerts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrAlertNotFound
	}

	return nil
}

// GetDailySummary aggregates one day of evaluations and alert activity
func (r *AlertRepository) GetDailySummary(ctx context.Context, date time.Time) (*models.DecisionSummary, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			COUNT(*) as total_evaluations,
			COALESCE(SUM(t.amount), 0) as total_amount,
			COUNT(CASE WHEN t.decision = 'APPROVED' THEN 1 END) as approved_count,
			COUNT(CASE WHEN t.decision = 'REVIEW' THEN 1 END) as review_count,
			COUNT(CASE WHEN t.decision = 'BLOCKED' THEN 1 END) as blocked_count,
			COALESCE(AVG(t.risk_score), 0) as avg_fraud_score
		FROM transactions t
		WHERE t.created_at >= $1 AND t.created_at < $2
	`

	summary := &models.DecisionSummary{
		Date: date.Format("2006-01-02"),
	}

	err := r.db.Pool.QueryRow(ctx, query, startOfDay, endOfDay).Scan(
		&summary.TotalEvaluations,
		&summary.TotalAmount,
		&summary.ApprovedCount,
		&summary.ReviewCount,
		&summary.BlockedCount,
		&summary.AvgFraudScore,
	)

	if err != nil {
		return nil, err
	}

	countQuery := `SELECT COUNT(*) FROM fraud_alerts WHERE created_at >= $1 AND created_at < $2`
	if err := r.db.Pool.QueryRow(ctx, countQuery, startOfDay, endOfDay).Scan(&summary.AlertCount); err != nil {
		return nil, err
	}

	// Top triggered alert types for the day
	typesQuery := `
		SELECT unnest(alert_types) as alert_type, COUNT(*) as count
		FROM fraud_alerts
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY alert_type
		ORDER BY count DESC
		LIMIT 10
	`

	typeRows, err := r.db.Pool.Query(ctx, typesQuery, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var alertCount models.AlertCount
		if err := typeRows.Scan(&alertCount.AlertType, &alertCount.Count); err != nil {
			return nil, err
		}
		summary.TopAlertTypes = append(summary.TopAlertTypes, alertCount)
	}

	return summary, nil
}

// DeleteAll removes every fraud alert
func (r *AlertRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM fraud_alerts`)
	return err
}

func (r *AlertRepository) scanAlerts(rows pgx.Rows, total int) ([]*models.FraudAlert, int, error) {
	var alerts []*models.FraudAlert
	for rows.Next() {
		alert := &models.FraudAlert{}
		var alertTypes []string

		if err := rows.Scan(
			&alert.ID,
			&alert.TransactionID,
			&alert.CardID,
			&alertTypes,
			&alert.FraudScore,
			&alert.Severity,
			&alert.Probability,
			&alert.Description,
			&alert.Status,
			&alert.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		alert.AlertTypes = alertTypesFromStrings(alertTypes)
		alerts = append(alerts, alert)
	}

	return alerts, total, nil
}

func alertTypesToStrings(types []models.AlertType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func alertTypesFromStrings(raw []string) []models.AlertType {
	out := make([]models.AlertType, len(raw))
	for i, s := range raw {
		out[i] = models.AlertType(s)
	}
	return out
}
