package scoring

import (
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Alert descriptions by score band.
const (
	descCritical = "Critical fraud risk: multiple strong fraud signals on this transaction"
	descHigh     = "High fraud risk: transaction requires manual review"
	descAtypical = "Atypical behavior detected for this card"
	descNormal   = "Behavior within the card's normal range"
)

// SeverityFor maps a fraud score to an alert severity. Severity is
// monotone non-decreasing in the score across the 50/70/100 thresholds.
func SeverityFor(score int) string {
	switch {
	case score >= 100:
		return models.SeverityCritical
	case score >= 70:
		return models.SeverityHigh
	case score >= 50:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// DescriptionFor maps a fraud score to its fixed human-readable summary.
func DescriptionFor(score int) string {
	switch {
	case score >= 80:
		return descCritical
	case score >= 50:
		return descHigh
	case score >= 30:
		return descAtypical
	default:
		return descNormal
	}
}

// NewFraudAlert builds the persistable alert for one evaluation. Pure
// aside from the generated id and timestamp; classification derives
// entirely from the score.
func NewFraudAlert(tx *models.Transaction, alerts []models.AlertType, score int) *models.FraudAlert {
	probability := score
	if probability > 100 {
		probability = 100
	}
	return &models.FraudAlert{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		CardID:        tx.CardID,
		AlertTypes:    alerts,
		FraudScore:    score,
		Severity:      SeverityFor(score),
		Probability:   probability,
		Description:   DescriptionFor(score),
		Status:        models.AlertStatusPending,
		CreatedAt:     time.Now(),
	}
}
