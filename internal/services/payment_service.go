package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/generator"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

// ErrManualPayloadMissing rejects a manual evaluation invoked without its
// caller-supplied payload.
var ErrManualPayloadMissing = errors.New("manual payment payload is missing")

// unitOfWork runs a function inside one database transaction.
type unitOfWork interface {
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// transactionSource synthesizes the candidate transaction for one request.
type transactionSource interface {
	Generate(ctx context.Context, successForce bool) (*models.Transaction, *models.Card, *models.Device, error)
	GenerateManual(ctx context.Context, req *generator.ManualRequest, successForce bool) (*models.Transaction, *models.Card, *models.Device, error)
}

// transactionWriter persists the candidate transaction row.
type transactionWriter interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// patternRebuilder refreshes a card's behavioral profile.
type patternRebuilder interface {
	Rebuild(ctx context.Context, cardID uuid.UUID) (*models.CardPattern, error)
}

// deviceTracker advances a device's last-seen timestamp.
type deviceTracker interface {
	UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error
}

// auditWriter records audit trail entries.
type auditWriter interface {
	Create(ctx context.Context, entry *models.AuditLog) error
}

// eventPublisher emits one event per completed evaluation.
type eventPublisher interface {
	PublishEvaluation(ctx context.Context, event *models.EvaluationEvent) (string, error)
}

// ManualPaymentRequest carries the caller-supplied fields of the manual mode.
type ManualPaymentRequest struct {
	CardID           string  `json:"card_id" binding:"required,uuid"`
	DeviceID         string  `json:"device_id" binding:"required,uuid"`
	Amount           float64 `json:"amount" binding:"required,gt=0"`
	MerchantCategory string  `json:"merchant_category"`
	IPAddress        string  `json:"ip_address" binding:"required"`
	Latitude         string  `json:"latitude" binding:"required"`
	Longitude        string  `json:"longitude" binding:"required"`
}

// CardView is the PCI-safe card snapshot returned with each evaluation:
// only the last four PAN digits survive masking.
type CardView struct {
	ID             uuid.UUID `json:"id"`
	MaskedNumber   string    `json:"masked_number"`
	Brand          string    `json:"brand"`
	HolderName     string    `json:"holder_name"`
	RemainingLimit float64   `json:"remaining_limit"`
	Status         string    `json:"status"`
}

// ValidationSummary is the consolidated rule outcome of one evaluation.
type ValidationSummary struct {
	Decision    string             `json:"decision"`
	Fraud       bool               `json:"fraud"`
	FraudScore  int                `json:"fraud_score"`
	Severity    string             `json:"severity"`
	Alerts      []models.AlertType `json:"alerts"`
	ProcessedAt time.Time          `json:"processed_at"`
}

// PaymentResponse is the caller-facing view of one completed evaluation.
type PaymentResponse struct {
	Transaction *models.Transaction `json:"transaction"`
	Card        CardView            `json:"card"`
	Validation  ValidationSummary   `json:"validation"`
	Device      *models.Device      `json:"device,omitempty"`
	IPAddress   string              `json:"ip_address"`
}

// PaymentService runs one evaluation end to end, inside a single unit of
// work: synthesize the candidate transaction, persist it, snapshot the
// card's recent history, fan the rule set out, and apply the decision with
// its side effects. The pattern rebuild, device last-seen touch, audit
// entry, and evaluation event run after commit and never fail an
// already-committed evaluation.
type PaymentService struct {
	db        unitOfWork
	source    transactionSource
	txRepo    transactionWriter
	loader    *scoring.SnapshotLoader
	engine    *scoring.Engine
	decisions *DecisionService
	patterns  patternRebuilder
	devices   deviceTracker
	auditRepo auditWriter
	events    eventPublisher
}

// NewPaymentService creates the pipeline service.
func NewPaymentService(
	db unitOfWork,
	source transactionSource,
	txRepo transactionWriter,
	loader *scoring.SnapshotLoader,
	engine *scoring.Engine,
	decisions *DecisionService,
	patterns patternRebuilder,
	devices deviceTracker,
	auditRepo auditWriter,
	events eventPublisher,
) *PaymentService {
	return &PaymentService{
		db:        db,
		source:    source,
		txRepo:    txRepo,
		loader:    loader,
		engine:    engine,
		decisions: decisions,
		patterns:  patterns,
		devices:   devices,
		auditRepo: auditRepo,
		events:    events,
	}
}

// Process evaluates one synthesized transaction against a random active card.
func (s *PaymentService) Process(ctx context.Context, successForce bool, requestID string) (*PaymentResponse, error) {
	tx, card, device, err := s.source.Generate(ctx, successForce)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, tx, card, device, successForce, requestID)
}

// ProcessManual evaluates a transaction assembled from caller-supplied
// fields. The card must be active and the device linked to it.
func (s *PaymentService) ProcessManual(ctx context.Context, req *ManualPaymentRequest, successForce bool, requestID string) (*PaymentResponse, error) {
	if req == nil || req.CardID == "" || req.DeviceID == "" {
		return nil, ErrManualPayloadMissing
	}

	cardID, err := uuid.Parse(req.CardID)
	if err != nil {
		return nil, fmt.Errorf("invalid card_id format: %w", err)
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device_id format: %w", err)
	}

	tx, card, device, err := s.source.GenerateManual(ctx, &generator.ManualRequest{
		CardID:           cardID,
		DeviceID:         deviceID,
		Amount:           req.Amount,
		MerchantCategory: req.MerchantCategory,
		IPAddress:        req.IPAddress,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
	}, successForce)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, tx, card, device, successForce, requestID)
}

// ProcessRequest evaluates one queued payment request. Manual requests are
// reassembled from the message fields. The response is discarded: async
// callers observe the outcome through the evaluation event stream.
func (s *PaymentService) ProcessRequest(ctx context.Context, req *models.PaymentRequested) error {
	if req.Manual {
		_, err := s.ProcessManual(ctx, &ManualPaymentRequest{
			CardID:           req.CardID,
			DeviceID:         req.DeviceID,
			Amount:           req.Amount,
			MerchantCategory: req.Category,
			IPAddress:        req.IPAddress,
			Latitude:         req.Latitude,
			Longitude:        req.Longitude,
		}, req.SuccessForce, req.RequestID)
		return err
	}
	_, err := s.Process(ctx, req.SuccessForce, req.RequestID)
	return err
}

// evaluate is the shared tail of both modes. The candidate transaction is
// inserted first so the snapshot read inside the same database transaction
// sees it at position 0 of the history window.
func (s *PaymentService) evaluate(
	ctx context.Context,
	tx *models.Transaction,
	card *models.Card,
	device *models.Device,
	successForce bool,
	requestID string,
) (*PaymentResponse, error) {
	startTime := time.Now()

	var eval *Evaluation
	err := s.db.WithTransaction(ctx, func(dbtx pgx.Tx) error {
		if err := s.txRepo.CreateTx(ctx, dbtx, tx); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		snap, err := s.loader.Lazy(card, tx).Load(ctx, dbtx)
		if err != nil {
			return fmt.Errorf("failed to load card history: %w", err)
		}

		result := s.engine.Evaluate(ctx, tx, snap)

		eval, err = s.decisions.Apply(ctx, dbtx, card, tx, result, successForce)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Post-commit side effects. None of these may fail the evaluation.
	if _, err := s.patterns.Rebuild(ctx, card.ID); err != nil {
		log.Warn().Err(err).
			Str("card_id", card.ID.String()).
			Msg("Pattern rebuild failed")
	}
	if err := s.devices.UpdateLastSeen(ctx, tx.DeviceID, tx.TransactionAt); err != nil {
		log.Warn().Err(err).
			Str("device_id", tx.DeviceID.String()).
			Msg("Device last-seen update failed")
	}
	s.createAuditLog(ctx, tx, eval, requestID)
	s.publishEvaluation(ctx, tx, card, eval)

	log.Info().
		Str("transaction_id", tx.ID.String()).
		Str("card_id", card.ID.String()).
		Str("decision", eval.Decision).
		Int("fraud_score", eval.Score).
		Int("alerts", len(eval.Alerts)).
		Dur("processing_time", time.Since(startTime)).
		Msg("Payment evaluated")

	return buildResponse(tx, card, device, eval), nil
}

func buildResponse(tx *models.Transaction, card *models.Card, device *models.Device, eval *Evaluation) *PaymentResponse {
	return &PaymentResponse{
		Transaction: tx,
		Card: CardView{
			ID:             card.ID,
			MaskedNumber:   card.MaskedNumber(),
			Brand:          card.Brand,
			HolderName:     card.HolderName,
			RemainingLimit: card.RemainingLimit,
			Status:         card.Status,
		},
		Validation: ValidationSummary{
			Decision:    eval.Decision,
			Fraud:       eval.Fraud,
			FraudScore:  eval.Score,
			Severity:    scoring.SeverityFor(eval.Score),
			Alerts:      eval.Alerts,
			ProcessedAt: eval.ProcessedAt,
		},
		Device:    device,
		IPAddress: tx.IPAddress,
	}
}

// createAuditLog records the evaluation in the audit trail. Failures are
// logged and swallowed; the evaluation is already committed.
func (s *PaymentService) createAuditLog(ctx context.Context, tx *models.Transaction, eval *Evaluation, requestID string) {
	entry := &models.AuditLog{
		EventType:  models.AuditEventEvaluation,
		EntityID:   tx.ID,
		EntityType: "transaction",
		Action:     "evaluate",
		RequestID:  requestID,
		IPAddress:  tx.IPAddress,
		Payload: models.JSONB{
			"card_id":     tx.CardID.String(),
			"amount":      tx.Amount,
			"decision":    eval.Decision,
			"fraud_score": eval.Score,
			"alert_count": len(eval.Alerts),
		},
	}

	if err := s.auditRepo.Create(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("transaction_id", tx.ID.String()).
			Msg("Failed to create audit log")
	}
}

// publishEvaluation emits the completed evaluation to the event stream for
// the analytics tooling and the live alert feed. Best effort.
func (s *PaymentService) publishEvaluation(ctx context.Context, tx *models.Transaction, card *models.Card, eval *Evaluation) {
	if s.events == nil {
		return
	}

	event := &models.EvaluationEvent{
		TransactionID: tx.ID.String(),
		CardID:        card.ID,
		Amount:        tx.Amount,
		Decision:      eval.Decision,
		FraudScore:    eval.Score,
		Alerts:        eval.Alerts,
		Severity:      scoring.SeverityFor(eval.Score),
		Timestamp:     eval.ProcessedAt,
	}

	if _, err := s.events.PublishEvaluation(ctx, event); err != nil {
		log.Error().Err(err).
			Str("transaction_id", tx.ID.String()).
			Msg("Failed to publish evaluation event")
	}
}
