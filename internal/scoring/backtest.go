package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// backtestHistory supplies a card's full transaction history, newest first.
type backtestHistory interface {
	GetAllByCard(ctx context.Context, cardID uuid.UUID) ([]*models.Transaction, error)
}

// backtestCards loads the card under replay.
type backtestCards interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error)
}

// DecideFunc maps a consolidated score and alert set to the terminal
// decision and fraud flag. The decision service supplies the production
// mapping.
type DecideFunc func(score int, alerts []models.AlertType, successForce bool) (string, bool)

// BacktestService replays a card's stored history through the current rule
// set and compares the replayed outcomes against what was decided at the
// time. History windows are rebuilt in memory the way the pipeline saw
// them: each replayed transaction sits at position 0 of its own window.
// Device fan-out counts use today's card-device links; linkage history is
// not versioned.
type BacktestService struct {
	engine  *Engine
	history backtestHistory
	cards   backtestCards
	devices DeviceCardCounter
	decide  DecideFunc
}

// NewBacktestService creates a backtest service over the given engine.
func NewBacktestService(
	engine *Engine,
	history backtestHistory,
	cards backtestCards,
	devices DeviceCardCounter,
	decide DecideFunc,
) *BacktestService {
	return &BacktestService{
		engine:  engine,
		history: history,
		cards:   cards,
		devices: devices,
		decide:  decide,
	}
}

// BacktestRequest selects the card and the slice of its history to replay.
type BacktestRequest struct {
	CardID     string     `json:"card_id" binding:"required,uuid"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	SampleSize int        `json:"sample_size,omitempty"`
}

// BacktestResult aggregates one replay run.
type BacktestResult struct {
	CardID               uuid.UUID            `json:"card_id"`
	TotalTransactions    int                  `json:"total_transactions"`
	ReplayedCount        int                  `json:"replayed_count"`
	AverageScore         float64              `json:"average_score"`
	DecisionDistribution map[string]int       `json:"decision_distribution"`
	TopTriggeredAlerts   []models.AlertCount  `json:"top_triggered_alerts"`
	ProcessingTimeMs     int64                `json:"processing_time_ms"`
	Replays              []TransactionReplay  `json:"replays,omitempty"`
	Comparison           *BacktestComparison  `json:"comparison,omitempty"`
}

// TransactionReplay is the per-transaction outcome of one replay.
type TransactionReplay struct {
	TransactionID    uuid.UUID          `json:"transaction_id"`
	StoredScore      int                `json:"stored_score"`
	ReplayedScore    int                `json:"replayed_score"`
	StoredDecision   string             `json:"stored_decision"`
	ReplayedDecision string             `json:"replayed_decision"`
	Alerts           []models.AlertType `json:"alerts,omitempty"`
	ScoreDiff        int                `json:"score_diff"`
}

// BacktestComparison summarizes replayed vs stored outcomes.
type BacktestComparison struct {
	MatchingDecisions  int     `json:"matching_decisions"`
	ChangedDecisions   int     `json:"changed_decisions"`
	AvgScoreDifference float64 `json:"avg_score_difference"`
	UpgradedRisk       int     `json:"upgraded_risk"`   // replay scored higher
	DowngradedRisk     int     `json:"downgraded_risk"` // replay scored lower
}

// maxReplayDetail caps the per-transaction detail carried in the result.
const maxReplayDetail = 100

// Run replays the selected history through the current rule set.
//
// Stored decisions made under a success-force override will usually show up
// as changed: the replay never applies the override, it reports what the
// rule set would decide on its own.
func (s *BacktestService) Run(ctx context.Context, req *BacktestRequest) (*BacktestResult, error) {
	startTime := time.Now()

	cardID, err := uuid.Parse(req.CardID)
	if err != nil {
		return nil, fmt.Errorf("invalid card_id: %w", err)
	}

	log.Info().
		Str("card_id", cardID.String()).
		Int("sample_size", req.SampleSize).
		Msg("Starting backtest")

	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load card: %w", err)
	}

	all, err := s.history.GetAllByCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	result := &BacktestResult{
		CardID:               cardID,
		TotalTransactions:    len(all),
		DecisionDistribution: make(map[string]int),
	}

	// Device fan-out is loaded once per distinct device.
	deviceCounts := make(map[uuid.UUID]int)

	alertTriggers := make(map[models.AlertType]int)
	var totalScore int
	var totalDiff float64
	comparison := &BacktestComparison{}

	replayed := 0
	for i, tx := range all {
		if req.StartDate != nil && tx.CreatedAt.Before(*req.StartDate) {
			continue
		}
		if req.EndDate != nil && tx.CreatedAt.After(*req.EndDate) {
			continue
		}
		if req.SampleSize > 0 && replayed >= req.SampleSize {
			break
		}

		count, ok := deviceCounts[tx.DeviceID]
		if !ok {
			count, err = s.devices.CountCardsForDevice(ctx, tx.DeviceID)
			if err != nil {
				return nil, fmt.Errorf("failed to count cards for device: %w", err)
			}
			deviceCounts[tx.DeviceID] = count
		}

		// The window is the replayed transaction plus the 19 stored rows
		// that preceded it.
		end := i + historyWindow
		if end > len(all) {
			end = len(all)
		}
		snap := NewSnapshot(card, tx, all[i:end], count)

		res := s.engine.Evaluate(ctx, tx, snap)
		decision, _ := s.decide(res.Score, res.Alerts, false)

		replayed++
		totalScore += res.Score
		result.DecisionDistribution[decision]++
		for _, alert := range res.Alerts {
			alertTriggers[alert]++
		}

		diff := res.Score - tx.RiskScore
		if decision == tx.Decision {
			comparison.MatchingDecisions++
		} else {
			comparison.ChangedDecisions++
		}
		switch {
		case diff > 0:
			comparison.UpgradedRisk++
		case diff < 0:
			comparison.DowngradedRisk++
		}
		totalDiff += absFloat(float64(diff))

		if len(result.Replays) < maxReplayDetail {
			result.Replays = append(result.Replays, TransactionReplay{
				TransactionID:    tx.ID,
				StoredScore:      tx.RiskScore,
				ReplayedScore:    res.Score,
				StoredDecision:   tx.Decision,
				ReplayedDecision: decision,
				Alerts:           res.Alerts,
				ScoreDiff:        diff,
			})
		}
	}

	result.ReplayedCount = replayed
	if replayed > 0 {
		result.AverageScore = float64(totalScore) / float64(replayed)
		comparison.AvgScoreDifference = totalDiff / float64(replayed)
		result.Comparison = comparison
	}

	for alert, count := range alertTriggers {
		result.TopTriggeredAlerts = append(result.TopTriggeredAlerts, models.AlertCount{
			AlertType: string(alert),
			Count:     count,
		})
	}
	sort.Slice(result.TopTriggeredAlerts, func(i, j int) bool {
		a, b := result.TopTriggeredAlerts[i], result.TopTriggeredAlerts[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.AlertType < b.AlertType
	})
	if len(result.TopTriggeredAlerts) > 10 {
		result.TopTriggeredAlerts = result.TopTriggeredAlerts[:10]
	}

	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Info().
		Str("card_id", cardID.String()).
		Int("total", result.TotalTransactions).
		Int("replayed", result.ReplayedCount).
		Float64("avg_score", result.AverageScore).
		Int64("processing_ms", result.ProcessingTimeMs).
		Msg("Backtest completed")

	return result, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
