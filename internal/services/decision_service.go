package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

// Decision tier boundaries.
const (
	reviewThreshold = 25
	blockThreshold  = 60
)

// Decide maps a consolidated score and alert set to the final decision
// and fraud flag. The fraud flag follows the tier mapping alone;
// overrides move the decision only. successForce is applied first, then
// CREDIT_LIMIT_REACHED, so a forced approval never survives an exhausted
// credit line.
func Decide(score int, alerts []models.AlertType, successForce bool) (string, bool) {
	var decision string
	var fraud bool
	switch {
	case score >= blockThreshold:
		decision = models.DecisionBlocked
		fraud = true
	case score >= reviewThreshold:
		decision = models.DecisionReview
	default:
		decision = models.DecisionApproved
	}

	if successForce {
		decision = models.DecisionApproved
	}
	for _, a := range alerts {
		if a == models.AlertCreditLimitReached {
			decision = models.DecisionBlocked
			break
		}
	}
	return decision, fraud
}

// Evaluation is the applied outcome of one decision.
type Evaluation struct {
	Decision    string
	Fraud       bool
	Score       int
	Alerts      []models.AlertType
	Alert       *models.FraudAlert
	ProcessedAt time.Time
}

// evaluationStore persists a transaction's terminal decision.
type evaluationStore interface {
	UpdateEvaluationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, decision string, fraud bool, riskScore int, processedAt time.Time) error
}

// cardLedger debits a card's remaining credit.
type cardLedger interface {
	UpdateCreditTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, remaining float64, lastTransactionAt time.Time) error
}

// alertStore persists fraud alerts.
type alertStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, alert *models.FraudAlert) error
}

// DecisionService applies the decision mapping and its persistent side
// effects inside the evaluation's unit of work.
type DecisionService struct {
	transactions evaluationStore
	cards        cardLedger
	alerts       alertStore
}

// NewDecisionService creates a decision service.
func NewDecisionService(transactions evaluationStore, cards cardLedger, alerts alertStore) *DecisionService {
	return &DecisionService{
		transactions: transactions,
		cards:        cards,
		alerts:       alerts,
	}
}

// Apply finalizes the transaction's decision and persists it together
// with its side effects: the card debit on approval and the fraud alert
// when any rule triggered. All writes ride the supplied database
// transaction; an error on any of them fails the whole evaluation.
func (s *DecisionService) Apply(
	ctx context.Context,
	dbtx pgx.Tx,
	card *models.Card,
	tx *models.Transaction,
	result *scoring.Result,
	successForce bool,
) (*Evaluation, error) {
	decision, fraud := Decide(result.Score, result.Alerts, successForce)
	processedAt := time.Now()

	if err := s.transactions.UpdateEvaluationTx(ctx, dbtx, tx.ID, decision, fraud, result.Score, processedAt); err != nil {
		return nil, fmt.Errorf("failed to persist evaluation: %w", err)
	}
	tx.Decision = decision
	tx.Fraud = fraud
	tx.RiskScore = result.Score
	tx.ProcessedAt = &processedAt

	if decision == models.DecisionApproved {
		remaining := card.RemainingLimit - tx.Amount
		if remaining < 0 {
			remaining = 0
		}
		if err := s.cards.UpdateCreditTx(ctx, dbtx, card.ID, remaining, processedAt); err != nil {
			return nil, fmt.Errorf("failed to debit card: %w", err)
		}
		card.RemainingLimit = remaining
		card.LastTransactionAt = &processedAt
	}

	eval := &Evaluation{
		Decision:    decision,
		Fraud:       fraud,
		Score:       result.Score,
		Alerts:      result.Alerts,
		ProcessedAt: processedAt,
	}

	if len(result.Alerts) > 0 {
		alert := scoring.NewFraudAlert(tx, result.Alerts, result.Score)
		if err := s.alerts.CreateTx(ctx, dbtx, alert); err != nil {
			return nil, fmt.Errorf("failed to persist fraud alert: %w", err)
		}
		eval.Alert = alert
	}

	return eval, nil
}
