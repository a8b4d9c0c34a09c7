package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	db *Database
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *Database) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	id, card_id, device_id, device_fingerprint, amount, merchant,
	merchant_category, ip_address, latitude, longitude, country, state, city,
	decision, fraud, reimbursed, risk_score, transaction_at, created_at, processed_at
`

const insertTransactionQuery = `
	INSERT INTO transactions (
		id, card_id, device_id, device_fingerprint, amount, merchant,
		merchant_category, ip_address, latitude, longitude, country, state, city,
		decision, fraud, reimbursed, risk_score, transaction_at, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::inet, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

// Create persists a new transaction. A caller-provided id or created_at is
// kept so seeded histories retain their synthetic timeline.
func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	return r.create(ctx, r.db.Pool, t)
}

// CreateTx is Create inside an open transaction, used by the evaluation
// unit of work so the snapshot read sees the candidate row.
func (r *TransactionRepository) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return r.create(ctx, tx, t)
}

func (r *TransactionRepository) create(ctx context.Context, q querier, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := q.Exec(ctx, insertTransactionQuery,
		t.ID,
		t.CardID,
		t.DeviceID,
		t.DeviceFingerprint,
		t.Amount,
		t.Merchant,
		t.MerchantCategory,
		t.IPAddress,
		t.Latitude,
		t.Longitude,
		t.Country,
		t.State,
		t.City,
		t.Decision,
		t.Fraud,
		t.Reimbursed,
		t.RiskScore,
		t.TransactionAt,
		t.CreatedAt,
	)

	return err
}

// CreateBatch persists multiple transactions in a batch
func (r *TransactionRepository) CreateBatch(ctx context.Context, transactions []*models.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range transactions {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}

		batch.Queue(insertTransactionQuery,
			t.ID,
			t.CardID,
			t.DeviceID,
			t.DeviceFingerprint,
			t.Amount,
			t.Merchant,
			t.MerchantCategory,
			t.IPAddress,
			t.Latitude,
			t.Longitude,
			t.Country,
			t.State,
			t.City,
			t.Decision,
			t.Fraud,
			t.Reimbursed,
			t.RiskScore,
			t.TransactionAt,
			t.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range transactions {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a transaction by ID
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	rows, err := r.db.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions, err := r.scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(transactions) == 0 {
		return nil, ErrTransactionNotFound
	}

	return transactions[0], nil
}

// FindLastByCard retrieves the most recent transactions of a card, newest
// first, bounded by limit.
func (r *TransactionRepository) FindLastByCard(ctx context.Context, cardID uuid.UUID, limit int) ([]*models.Transaction, error) {
	return r.findLastByCard(ctx, r.db.Pool, cardID, limit)
}

// FindLastByCardTx is FindLastByCard inside an open transaction.
func (r *TransactionRepository) FindLastByCardTx(ctx context.Context, tx pgx.Tx, cardID uuid.UUID, limit int) ([]*models.Transaction, error) {
	return r.findLastByCard(ctx, tx, cardID, limit)
}

func (r *TransactionRepository) findLastByCard(ctx context.Context, q querier, cardID uuid.UUID, limit int) ([]*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE card_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := q.Query(ctx, query, cardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanTransactions(rows)
}

// GetAllByCard retrieves the full transaction history of a card, newest
// first. The pattern builder consumes this.
func (r *TransactionRepository) GetAllByCard(ctx context.Context, cardID uuid.UUID) ([]*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE card_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanTransactions(rows)
}

// GetByCardID retrieves transactions for a card with pagination
func (r *TransactionRepository) GetByCardID(ctx context.Context, cardID uuid.UUID, page, pageSize int) ([]*models.Transaction, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM transactions WHERE card_id = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, cardID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE card_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, cardID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	transactions, err := r.scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}

	return transactions, total, nil
}

// GetByDecision retrieves transactions with a given terminal decision,
// newest first, with pagination
func (r *TransactionRepository) GetByDecision(ctx context.Context, decision string, page, pageSize int) ([]*models.Transaction, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM transactions WHERE decision = $1`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, decision).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE decision = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, decision, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	transactions, err := r.scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}

	return transactions, total, nil
}

// GetRecent retrieves recent transactions across all cards with pagination
func (r *TransactionRepository) GetRecent(ctx context.Context, page, pageSize int) ([]*models.Transaction, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM transactions WHERE created_at >= NOW() - INTERVAL '7 days'`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE created_at >= NOW() - INTERVAL '7 days'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	transactions, err := r.scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}

	return transactions, total, nil
}

// UpdateEvaluationTx writes the evaluation outcome onto the candidate row
// inside the open unit of work.
func (r *TransactionRepository) UpdateEvaluationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, decision string, fraud bool, riskScore int, processedAt time.Time) error {
	query := `
		UPDATE transactions
		SET decision = $2, fraud = $3, risk_score = $4, processed_at = $5
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, decision, fraud, riskScore, processedAt)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// UpdateReimbursed flips the reimbursement flag, the only field that stays
// mutable once a decision is persisted.
func (r *TransactionRepository) UpdateReimbursed(ctx context.Context, id uuid.UUID, reimbursed bool) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE transactions SET reimbursed = $2 WHERE id = $1`, id, reimbursed)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// DeleteAll removes every transaction
func (r *TransactionRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM transactions`)
	return err
}

func (r *TransactionRepository) scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	for rows.Next() {
		t := &models.Transaction{}
		var ipAddress *string

		if err := rows.Scan(
			&t.ID,
			&t.CardID,
			&t.DeviceID,
			&t.DeviceFingerprint,
			&t.Amount,
			&t.Merchant,
			&t.MerchantCategory,
			&ipAddress,
			&t.Latitude,
			&t.Longitude,
			&t.Country,
			&t.State,
			&t.City,
			&t.Decision,
			&t.Fraud,
			&t.Reimbursed,
			&t.RiskScore,
			&t.TransactionAt,
			&t.CreatedAt,
			&t.ProcessedAt,
		); err != nil {
			return nil, err
		}

		if ipAddress != nil {
			t.IPAddress = *ipAddress
		}
		transactions = append(transactions, t)
	}

	return transactions, nil
}
