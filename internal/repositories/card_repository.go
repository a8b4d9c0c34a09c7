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
	ErrCardNotFound     = errors.New("card not found")
	ErrNoCardsAvailable = errors.New("no cards available")
)

// CardRepository handles card database operations
type CardRepository struct {
	db *Database
}

// NewCardRepository creates a new card repository
func NewCardRepository(db *Database) *CardRepository {
	return &CardRepository{db: db}
}

// Create creates a new card
func (r *CardRepository) Create(ctx context.Context, card *models.Card) error {
	query := `
		INSERT INTO cards (
			id, card_number, brand, holder_name, expiration_date,
			credit_limit, remaining_limit, status, risk_score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	card.ID = uuid.New()
	card.CreatedAt = time.Now()

	_, err := r.db.Pool.Exec(ctx, query,
		card.ID,
		card.CardNumber,
		card.Brand,
		card.HolderName,
		card.ExpirationDate,
		card.CreditLimit,
		card.RemainingLimit,
		card.Status,
		card.RiskScore,
		card.CreatedAt,
	)

	return err
}

// CreateBatch creates multiple cards in a batch
func (r *CardRepository) CreateBatch(ctx context.Context, cards []*models.Card) error {
	if len(cards) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO cards (
			id, card_number, brand, holder_name, expiration_date,
			credit_limit, remaining_limit, status, risk_score, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, card := range cards {
		card.ID = uuid.New()
		card.CreatedAt = time.Now()

		batch.Queue(query,
			card.ID,
			card.CardNumber,
			card.Brand,
			card.HolderName,
			card.ExpirationDate,
			card.CreditLimit,
			card.RemainingLimit,
			card.Status,
			card.RiskScore,
			card.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range cards {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a card by ID
func (r *CardRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	query := `
		SELECT id, card_number, brand, holder_name, expiration_date,
			   credit_limit, remaining_limit, status, risk_score,
			   created_at, last_transaction_at
		FROM cards
		WHERE id = $1
	`

	card := &models.Card{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&card.ID,
		&card.CardNumber,
		&card.Brand,
		&card.HolderName,
		&card.ExpirationDate,
		&card.CreditLimit,
		&card.RemainingLimit,
		&card.Status,
		&card.RiskScore,
		&card.CreatedAt,
		&card.LastTransactionAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}

	return card, nil
}

// GetRandomActiveWithDevices picks a uniformly random ACTIVE card that has
// at least one linked device. The generator uses it as its card pool.
func (r *CardRepository) GetRandomActiveWithDevices(ctx context.Context) (*models.Card, error) {
	query := `
		SELECT c.id, c.card_number, c.brand, c.holder_name, c.expiration_date,
			   c.credit_limit, c.remaining_limit, c.status, c.risk_score,
			   c.created_at, c.last_transaction_at
		FROM cards c
		WHERE c.status = 'ACTIVE'
		  AND EXISTS (SELECT 1 FROM card_devices cd WHERE cd.card_id = c.id)
		ORDER BY random()
		LIMIT 1
	`

	card := &models.Card{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&card.ID,
		&card.CardNumber,
		&card.Brand,
		&card.HolderName,
		&card.ExpirationDate,
		&card.CreditLimit,
		&card.RemainingLimit,
		&card.Status,
		&card.RiskScore,
		&card.CreatedAt,
		&card.LastTransactionAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCardsAvailable
		}
		return nil, err
	}

	return card, nil
}

// List retrieves all cards with pagination
func (r *CardRepository) List(ctx context.Context, page, pageSize int) ([]*models.Card, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM cards`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, card_number, brand, holder_name, expiration_date,
			   credit_limit, remaining_limit, status, risk_score,
			   created_at, last_transaction_at
		FROM cards
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	cards, err := r.scanCards(rows)
	if err != nil {
		return nil, 0, err
	}

	return cards, total, nil
}

// UpdateStatus updates a card's status
func (r *CardRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE cards SET status = $2 WHERE id = $1`

	result, err := r.db.Pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrCardNotFound
	}

	return nil
}

// UpdateCreditTx sets a card's remaining limit and last-transaction
// timestamp inside an open transaction. Credit only moves atomically with
// the approved transaction row, so there is no pool variant.
func (r *CardRepository) UpdateCreditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining float64, lastTransactionAt time.Time) error {
	query := `
		UPDATE cards
		SET remaining_limit = $2, last_transaction_at = $3
		WHERE id = $1
	`

	result, err := tx.Exec(ctx, query, id, remaining, lastTransactionAt)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrCardNotFound
	}

	return nil
}

// Count returns the total number of cards. The creation cap is enforced
// against this value at the service boundary.
func (r *CardRepository) Count(ctx context.Context) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM cards`).Scan(&total)
	return total, err
}

// DeleteAll removes every card. Dependent rows cascade at the schema level.
func (r *CardRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM cards`)
	return err
}

func (r *CardRepository) scanCards(rows pgx.Rows) ([]*models.Card, error) {
	var cards []*models.Card
	for rows.Next() {
		card := &models.Card{}
		if err := rows.Scan(
			&card.ID,
			&card.CardNumber,
			&card.Brand,
			&card.HolderName,
			&card.ExpirationDate,
			&card.CreditLimit,
			&card.RemainingLimit,
			&card.Status,
			&card.RiskScore,
			&card.CreatedAt,
			&card.LastTransactionAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}

	return cards, nil
}
