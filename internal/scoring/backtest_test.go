package scoring_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
)

type fakeBacktestHistory struct {
	txs []*models.Transaction
	err error
}

func (f *fakeBacktestHistory) GetAllByCard(context.Context, uuid.UUID) ([]*models.Transaction, error) {
	return f.txs, f.err
}

type fakeCardSource struct {
	card *models.Card
	err  error
}

func (f *fakeCardSource) GetByID(context.Context, uuid.UUID) (*models.Card, error) {
	return f.card, f.err
}

func newBacktestService(card *models.Card, history []*models.Transaction) *scoring.BacktestService {
	return scoring.NewBacktestService(
		scoring.NewEngine(nil, nil, 4),
		&fakeBacktestHistory{txs: history},
		&fakeCardSource{card: card},
		&fakeDeviceCounter{count: 1},
		services.Decide,
	)
}

// storedHistory builds a stored history of daily transactions, newest
// first, with the given amount and terminal decision.
func storedHistory(card *models.Card, device uuid.UUID, n int, amount float64, decision string, riskScore int) []*models.Transaction {
	txs := make([]*models.Transaction, n)
	for i := 0; i < n; i++ {
		tx := historyTx(card, device, amount, ref.AddDate(0, 0, -i))
		tx.Decision = decision
		tx.RiskScore = riskScore
		txs[i] = tx
	}
	return txs
}

func TestBacktestService_ReplaysCleanHistory(t *testing.T) {
	card := quietCard()
	history := storedHistory(card, uuid.New(), 30, 100, models.DecisionApproved, 0)
	svc := newBacktestService(card, history)

	result, err := svc.Run(context.Background(), &scoring.BacktestRequest{
		CardID:     card.ID.String(),
		SampleSize: 10,
	})
	require.NoError(t, err)

	assert.Equal(t, card.ID, result.CardID)
	assert.Equal(t, 30, result.TotalTransactions)
	assert.Equal(t, 10, result.ReplayedCount)
	assert.Zero(t, result.AverageScore)
	assert.Equal(t, map[string]int{models.DecisionApproved: 10}, result.DecisionDistribution)
	assert.Empty(t, result.TopTriggeredAlerts)
	assert.Len(t, result.Replays, 10)

	require.NotNil(t, result.Comparison)
	assert.Equal(t, 10, result.Comparison.MatchingDecisions)
	assert.Zero(t, result.Comparison.ChangedDecisions)
	assert.Zero(t, result.Comparison.AvgScoreDifference)
}

func TestBacktestService_FlagsChangedDecisions(t *testing.T) {
	card := quietCard()

	// Stored as blocked at score 90; the current rule set finds nothing,
	// so every replay downgrades.
	history := storedHistory(card, uuid.New(), 10, 100, models.DecisionBlocked, 90)
	svc := newBacktestService(card, history)

	result, err := svc.Run(context.Background(), &scoring.BacktestRequest{CardID: card.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, 10, result.ReplayedCount)
	assert.Equal(t, map[string]int{models.DecisionApproved: 10}, result.DecisionDistribution)

	require.NotNil(t, result.Comparison)
	assert.Zero(t, result.Comparison.MatchingDecisions)
	assert.Equal(t, 10, result.Comparison.ChangedDecisions)
	assert.Equal(t, 10, result.Comparison.DowngradedRisk)
	assert.Zero(t, result.Comparison.UpgradedRisk)
	assert.InDelta(t, 90, result.Comparison.AvgScoreDifference, 0.001)

	for _, replay := range result.Replays {
		assert.Equal(t, models.DecisionBlocked, replay.StoredDecision)
		assert.Equal(t, models.DecisionApproved, replay.ReplayedDecision)
		assert.Equal(t, -90, replay.ScoreDiff)
	}
}

func TestBacktestService_AggregatesTriggeredAlerts(t *testing.T) {
	card := quietCard()

	// A history of micro amounts: every replay with a full enough window
	// re-triggers the micro-transaction rule.
	history := storedHistory(card, uuid.New(), 30, 1.00, models.DecisionApproved, 0)
	svc := newBacktestService(card, history)

	result, err := svc.Run(context.Background(), &scoring.BacktestRequest{CardID: card.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, 30, result.ReplayedCount)
	assert.Equal(t, 26, result.DecisionDistribution[models.DecisionReview])
	assert.Equal(t, 4, result.DecisionDistribution[models.DecisionApproved])
	assert.InDelta(t, 35.0*26/30, result.AverageScore, 0.001)

	require.Len(t, result.TopTriggeredAlerts, 1)
	assert.Equal(t, string(models.AlertMicroTransactionPattern), result.TopTriggeredAlerts[0].AlertType)
	assert.Equal(t, 26, result.TopTriggeredAlerts[0].Count)

	require.NotNil(t, result.Comparison)
	assert.Equal(t, 26, result.Comparison.ChangedDecisions)
	assert.Equal(t, 26, result.Comparison.UpgradedRisk)
}

func TestBacktestService_DateRangeFilter(t *testing.T) {
	card := quietCard()
	history := storedHistory(card, uuid.New(), 30, 100, models.DecisionApproved, 0)
	svc := newBacktestService(card, history)

	start := ref.AddDate(0, 0, -5)
	end := ref.AddDate(0, 0, -2)
	result, err := svc.Run(context.Background(), &scoring.BacktestRequest{
		CardID:    card.ID.String(),
		StartDate: &start,
		EndDate:   &end,
	})
	require.NoError(t, err)

	assert.Equal(t, 30, result.TotalTransactions)
	assert.Equal(t, 4, result.ReplayedCount)
}

func TestBacktestService_InvalidCardID(t *testing.T) {
	svc := newBacktestService(quietCard(), nil)

	_, err := svc.Run(context.Background(), &scoring.BacktestRequest{CardID: "not-a-uuid"})

	assert.ErrorContains(t, err, "invalid card_id")
}

func TestBacktestService_PropagatesCardLoadError(t *testing.T) {
	svc := scoring.NewBacktestService(
		scoring.NewEngine(nil, nil, 4),
		&fakeBacktestHistory{},
		&fakeCardSource{err: errors.New("card not found")},
		&fakeDeviceCounter{},
		services.Decide,
	)

	_, err := svc.Run(context.Background(), &scoring.BacktestRequest{CardID: uuid.NewString()})

	assert.ErrorContains(t, err, "failed to load card")
}

func TestBacktestService_ReplayDetailCapped(t *testing.T) {
	card := quietCard()
	history := storedHistory(card, uuid.New(), 150, 100, models.DecisionApproved, 0)
	svc := newBacktestService(card, history)

	result, err := svc.Run(context.Background(), &scoring.BacktestRequest{CardID: card.ID.String()})
	require.NoError(t, err)

	assert.Equal(t, 150, result.ReplayedCount)
	assert.Len(t, result.Replays, 100)
}
