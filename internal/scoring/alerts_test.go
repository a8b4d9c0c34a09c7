package scoring_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

func TestSeverityFor_Bands(t *testing.T) {
	cases := []struct {
		score    int
		severity string
	}{
		{0, models.SeverityLow},
		{49, models.SeverityLow},
		{50, models.SeverityMedium},
		{69, models.SeverityMedium},
		{70, models.SeverityHigh},
		{99, models.SeverityHigh},
		{100, models.SeverityCritical},
		{180, models.SeverityCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.severity, scoring.SeverityFor(tc.score), "score %d", tc.score)
	}
}

func TestSeverityFor_MonotoneInScore(t *testing.T) {
	rank := map[string]int{
		models.SeverityLow:      0,
		models.SeverityMedium:   1,
		models.SeverityHigh:     2,
		models.SeverityCritical: 3,
	}

	previous := rank[scoring.SeverityFor(0)]
	for score := 1; score <= 150; score++ {
		current := rank[scoring.SeverityFor(score)]
		assert.GreaterOrEqual(t, current, previous, "score %d", score)
		previous = current
	}
}

func TestDescriptionFor_Bands(t *testing.T) {
	normal := scoring.DescriptionFor(0)
	atypical := scoring.DescriptionFor(30)
	high := scoring.DescriptionFor(50)
	critical := scoring.DescriptionFor(80)

	// Four distinct fixed strings, switching exactly at 30, 50 and 80.
	assert.Equal(t, normal, scoring.DescriptionFor(29))
	assert.Equal(t, atypical, scoring.DescriptionFor(49))
	assert.Equal(t, high, scoring.DescriptionFor(79))
	assert.Equal(t, critical, scoring.DescriptionFor(200))

	distinct := map[string]bool{normal: true, atypical: true, high: true, critical: true}
	assert.Len(t, distinct, 4)
}

func TestNewFraudAlert_FillsClassification(t *testing.T) {
	tx := &models.Transaction{ID: uuid.New(), CardID: uuid.New()}
	alerts := []models.AlertType{models.AlertCardTesting, models.AlertVelocityAbuse}

	alert := scoring.NewFraudAlert(tx, alerts, 85)

	require.NotNil(t, alert)
	assert.NotEqual(t, uuid.Nil, alert.ID)
	assert.Equal(t, tx.ID, alert.TransactionID)
	assert.Equal(t, tx.CardID, alert.CardID)
	assert.Equal(t, alerts, alert.AlertTypes)
	assert.Equal(t, 85, alert.FraudScore)
	assert.Equal(t, 85, alert.Probability)
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	assert.Equal(t, scoring.DescriptionFor(85), alert.Description)
	assert.Equal(t, models.AlertStatusPending, alert.Status)
	assert.WithinDuration(t, time.Now(), alert.CreatedAt, 2*time.Second)
}

func TestNewFraudAlert_ProbabilityCapsAtHundred(t *testing.T) {
	tx := &models.Transaction{ID: uuid.New(), CardID: uuid.New()}

	alert := scoring.NewFraudAlert(tx, []models.AlertType{models.AlertCardTesting}, 135)

	assert.Equal(t, 135, alert.FraudScore)
	assert.Equal(t, 100, alert.Probability)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
}
