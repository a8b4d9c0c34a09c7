package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrPatternNotFound = errors.New("card pattern not found")
)

// PatternRepository handles card spending pattern database operations
type PatternRepository struct {
	db *Database
}

// NewPatternRepository creates a new pattern repository
func NewPatternRepository(db *Database) *PatternRepository {
	return &PatternRepository{db: db}
}

// Upsert stores the latest pattern profile for a card, replacing any
// previous snapshot. Patterns are rebuilt from scratch on every write so
// the row is overwritten rather than merged.
func (r *PatternRepository) Upsert(ctx context.Context, pattern *models.CardPattern) error {
	profile, err := json.Marshal(pattern.Profile)
	if err != nil {
		return err
	}

	if pattern.ID == uuid.Nil {
		pattern.ID = uuid.New()
	}
	pattern.UpdatedAt = time.Now()

	query := `
		INSERT INTO card_patterns (id, card_id, profile, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (card_id) DO UPDATE SET
			profile = EXCLUDED.profile,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Pool.Exec(ctx, query, pattern.ID, pattern.CardID, profile, pattern.UpdatedAt)
	return err
}

// GetByCardID retrieves the stored pattern profile for a card
func (r *PatternRepository) GetByCardID(ctx context.Context, cardID uuid.UUID) (*models.CardPattern, error) {
	query := `
		SELECT id, card_id, profile, updated_at
		FROM card_patterns
		WHERE card_id = $1
	`

	pattern := &models.CardPattern{}
	var profile []byte

	err := r.db.Pool.QueryRow(ctx, query, cardID).Scan(
		&pattern.ID,
		&pattern.CardID,
		&profile,
		&pattern.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(profile, &pattern.Profile); err != nil {
		return nil, err
	}

	return pattern, nil
}

// DeleteAll removes every stored pattern
func (r *PatternRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM card_patterns`)
	return err
}
