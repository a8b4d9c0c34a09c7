package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/generator"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
)

const (
	saoPauloLat = "-23.550520"
	saoPauloLon = "-46.633308"
	newYorkLat  = "40.712776"
	newYorkLon  = "-74.005974"
)

// fakeUnitOfWork runs the unit of work without a database. A nil pgx.Tx is
// fine because every store behind it is faked as well.
type fakeUnitOfWork struct {
	err error
}

func (f *fakeUnitOfWork) WithTransaction(_ context.Context, fn func(tx pgx.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

type fakeSource struct {
	tx     *models.Transaction
	card   *models.Card
	device *models.Device
	err    error

	generateCalls int
	manualCalls   int
	lastForce     bool
	lastManual    *generator.ManualRequest
}

func (f *fakeSource) Generate(_ context.Context, successForce bool) (*models.Transaction, *models.Card, *models.Device, error) {
	f.generateCalls++
	f.lastForce = successForce
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.tx, f.card, f.device, nil
}

func (f *fakeSource) GenerateManual(_ context.Context, req *generator.ManualRequest, successForce bool) (*models.Transaction, *models.Card, *models.Device, error) {
	f.manualCalls++
	f.lastManual = req
	f.lastForce = successForce
	if f.err != nil {
		return nil, nil, nil, f.err
	}
	return f.tx, f.card, f.device, nil
}

type fakeTxWriter struct {
	err   error
	calls int
	tx    *models.Transaction
}

func (f *fakeTxWriter) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	f.calls++
	f.tx = t
	return f.err
}

// fakeHistory plays the role of the transaction store inside the unit of
// work: it returns the preloaded window, current transaction included at
// index 0, the way the real read-after-insert does.
type fakeHistory struct {
	txs []*models.Transaction
	err error
}

func (f *fakeHistory) FindLastByCardTx(_ context.Context, _ pgx.Tx, _ uuid.UUID, _ int) ([]*models.Transaction, error) {
	return f.txs, f.err
}

type fakeCounter struct {
	count int
}

func (f *fakeCounter) CountCardsForDevice(_ context.Context, _ uuid.UUID) (int, error) {
	return f.count, nil
}

type fakePatterns struct {
	err    error
	calls  int
	cardID uuid.UUID
}

func (f *fakePatterns) Rebuild(_ context.Context, cardID uuid.UUID) (*models.CardPattern, error) {
	f.calls++
	f.cardID = cardID
	if f.err != nil {
		return nil, f.err
	}
	return &models.CardPattern{CardID: cardID}, nil
}

type fakeDeviceTracker struct {
	err    error
	calls  int
	id     uuid.UUID
	seenAt time.Time
}

func (f *fakeDeviceTracker) UpdateLastSeen(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	f.calls++
	f.id = id
	f.seenAt = seenAt
	return f.err
}

type fakeAudit struct {
	err     error
	entries []*models.AuditLog
}

func (f *fakeAudit) Create(_ context.Context, entry *models.AuditLog) error {
	f.entries = append(f.entries, entry)
	return f.err
}

type fakePublisher struct {
	err    error
	events []*models.EvaluationEvent
}

func (f *fakePublisher) PublishEvaluation(_ context.Context, event *models.EvaluationEvent) (string, error) {
	f.events = append(f.events, event)
	if f.err != nil {
		return "", f.err
	}
	return "1718452800000-0", nil
}

type paymentHarness struct {
	svc       *services.PaymentService
	db        *fakeUnitOfWork
	source    *fakeSource
	txWriter  *fakeTxWriter
	evalStore *fakeEvalStore
	ledger    *fakeLedger
	alerts    *fakeAlertSink
	patterns  *fakePatterns
	devices   *fakeDeviceTracker
	audit     *fakeAudit
	events    *fakePublisher
}

func newPaymentHarness(source *fakeSource, history *fakeHistory) *paymentHarness {
	h := &paymentHarness{
		db:        &fakeUnitOfWork{},
		source:    source,
		txWriter:  &fakeTxWriter{},
		evalStore: &fakeEvalStore{},
		ledger:    &fakeLedger{},
		alerts:    &fakeAlertSink{},
		patterns:  &fakePatterns{},
		devices:   &fakeDeviceTracker{},
		audit:     &fakeAudit{},
		events:    &fakePublisher{},
	}

	loader := scoring.NewSnapshotLoader(history, &fakeCounter{count: 1})
	engine := scoring.NewEngine(nil, nil, 4)
	decisions := services.NewDecisionService(h.evalStore, h.ledger, h.alerts)
	h.svc = services.NewPaymentService(
		h.db, source, h.txWriter, loader, engine, decisions, h.patterns, h.devices, h.audit, h.events,
	)
	return h
}

func testDevice() *models.Device {
	return &models.Device{
		ID:          uuid.New(),
		Fingerprint: "fp-base",
		DeviceType:  models.DeviceTypeMobile,
		OS:          "Android 14",
		Browser:     "Chrome Mobile",
	}
}

func TestPaymentService_Process_CleanApproval(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 120, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})

	resp, err := h.svc.Process(context.Background(), false, "req-test")
	require.NoError(t, err)

	assert.Same(t, tx, resp.Transaction)
	assert.Equal(t, models.DecisionApproved, tx.Decision)
	assert.False(t, tx.Fraud)
	assert.Zero(t, tx.RiskScore)

	assert.Equal(t, "**** **** **** 1111", resp.Card.MaskedNumber)
	assert.Equal(t, 4880.0, resp.Card.RemainingLimit)
	assert.Equal(t, models.DecisionApproved, resp.Validation.Decision)
	assert.False(t, resp.Validation.Fraud)
	assert.Zero(t, resp.Validation.FraudScore)
	assert.Equal(t, models.SeverityLow, resp.Validation.Severity)
	assert.Empty(t, resp.Validation.Alerts)
	assert.False(t, resp.Validation.ProcessedAt.IsZero())
	assert.Same(t, device, resp.Device)
	assert.Equal(t, tx.IPAddress, resp.IPAddress)

	// Side effects: inserted, debited, rebuilt, device touched, audited,
	// published.
	assert.Equal(t, 1, h.txWriter.calls)
	assert.Same(t, tx, h.txWriter.tx)
	assert.Equal(t, 1, h.ledger.calls)
	assert.Equal(t, card.ID, h.patterns.cardID)
	assert.Equal(t, device.ID, h.devices.id)
	assert.Equal(t, tx.TransactionAt, h.devices.seenAt)

	require.Len(t, h.audit.entries, 1)
	entry := h.audit.entries[0]
	assert.Equal(t, models.AuditEventEvaluation, entry.EventType)
	assert.Equal(t, tx.ID, entry.EntityID)
	assert.Equal(t, "transaction", entry.EntityType)
	assert.Equal(t, "evaluate", entry.Action)
	assert.Equal(t, "req-test", entry.RequestID)
	assert.Equal(t, models.DecisionApproved, entry.Payload["decision"])
	assert.Equal(t, 0, entry.Payload["fraud_score"])

	require.Len(t, h.events.events, 1)
	event := h.events.events[0]
	assert.Equal(t, tx.ID.String(), event.TransactionID)
	assert.Equal(t, card.ID, event.CardID)
	assert.Equal(t, models.DecisionApproved, event.Decision)
	assert.Equal(t, models.SeverityLow, event.Severity)
}

func TestPaymentService_Process_GeneratorErrorPropagates(t *testing.T) {
	source := &fakeSource{err: repositories.ErrNoCardsAvailable}
	h := newPaymentHarness(source, &fakeHistory{})

	_, err := h.svc.Process(context.Background(), false, "req-test")

	assert.ErrorIs(t, err, repositories.ErrNoCardsAvailable)
	assert.Zero(t, h.txWriter.calls)
}

func TestPaymentService_Process_InsertFailureAbortsPipeline(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 120, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})
	h.txWriter.err = errors.New("insert failed")

	_, err := h.svc.Process(context.Background(), false, "req-test")

	assert.ErrorContains(t, err, "failed to create transaction")
	assert.Zero(t, h.evalStore.calls)
	assert.Zero(t, h.patterns.calls)
	assert.Zero(t, h.devices.calls)
	assert.Empty(t, h.audit.entries)
	assert.Empty(t, h.events.events)
}

func TestPaymentService_Process_PostCommitFailuresAreSwallowed(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 120, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})
	h.patterns.err = errors.New("pattern rebuild down")
	h.devices.err = errors.New("device store down")
	h.audit.err = errors.New("audit store down")
	h.events.err = errors.New("stream down")

	resp, err := h.svc.Process(context.Background(), false, "req-test")

	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, resp.Validation.Decision)
	assert.Equal(t, 1, h.patterns.calls)
	assert.Equal(t, 1, h.devices.calls)
	assert.Len(t, h.audit.entries, 1)
	assert.Len(t, h.events.events, 1)
}

func TestPaymentService_Process_ImpossibleTravelBlocks(t *testing.T) {
	card := testCard(5000)
	device := testDevice()

	tx := testTx(card, device.ID, 60, ref)
	tx.Latitude = newYorkLat
	tx.Longitude = newYorkLon

	prev := testTx(card, device.ID, 50, ref.Add(-10*time.Minute))
	prev.Latitude = saoPauloLat
	prev.Longitude = saoPauloLon

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx, prev}})

	resp, err := h.svc.Process(context.Background(), false, "req-test")
	require.NoError(t, err)

	assert.Equal(t, models.DecisionBlocked, resp.Validation.Decision)
	assert.True(t, resp.Validation.Fraud)
	assert.Equal(t, 70, resp.Validation.FraudScore)
	assert.Equal(t, models.SeverityHigh, resp.Validation.Severity)
	assert.ElementsMatch(t,
		[]models.AlertType{models.AlertImpossibleTravel, models.AlertLocationAnomaly},
		resp.Validation.Alerts)

	// Blocked means no debit.
	assert.Zero(t, h.ledger.calls)
	assert.Equal(t, 5000.0, resp.Card.RemainingLimit)

	require.Equal(t, 1, h.alerts.calls)
	assert.Equal(t, 70, h.alerts.alert.FraudScore)
	assert.Equal(t, models.SeverityHigh, h.alerts.alert.Severity)

	assert.Equal(t, models.DecisionBlocked, h.evalStore.decision)
	assert.True(t, h.evalStore.fraud)
}

func TestPaymentService_Process_ForcedApprovalDebitsAndKeepsAlert(t *testing.T) {
	card := testCard(5000)
	device := testDevice()

	// Forced mode: the generator seeds the candidate as APPROVED.
	tx := testTx(card, device.ID, 60, ref)
	tx.Decision = models.DecisionApproved
	tx.Latitude = newYorkLat
	tx.Longitude = newYorkLon

	prev := testTx(card, device.ID, 50, ref.Add(-10*time.Minute))
	prev.Latitude = saoPauloLat
	prev.Longitude = saoPauloLon

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx, prev}})

	resp, err := h.svc.Process(context.Background(), true, "req-test")
	require.NoError(t, err)

	assert.True(t, h.source.lastForce)
	assert.Equal(t, models.DecisionApproved, resp.Validation.Decision)
	assert.True(t, resp.Validation.Fraud)
	assert.Equal(t, 70, resp.Validation.FraudScore)

	// The fraud is recorded even though the payment went through.
	assert.Equal(t, 1, h.ledger.calls)
	assert.Equal(t, 4940.0, card.RemainingLimit)
	require.Equal(t, 1, h.alerts.calls)
	assert.Equal(t, models.SeverityHigh, h.alerts.alert.Severity)
}

func TestPaymentService_Process_ExhaustedCreditBlocksWithoutFraud(t *testing.T) {
	card := testCard(20)
	device := testDevice()
	tx := testTx(card, device.ID, 25, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})

	resp, err := h.svc.Process(context.Background(), false, "req-test")
	require.NoError(t, err)

	assert.Equal(t, models.DecisionBlocked, resp.Validation.Decision)
	assert.False(t, resp.Validation.Fraud)
	assert.Equal(t, 50, resp.Validation.FraudScore)
	assert.Equal(t, []models.AlertType{models.AlertCreditLimitReached}, resp.Validation.Alerts)

	assert.Zero(t, h.ledger.calls)
	assert.Equal(t, 20.0, card.RemainingLimit)
	assert.Equal(t, 1, h.alerts.calls)
}

func TestPaymentService_Process_HighTicketAloneStaysApproved(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 180, ref)

	history := []*models.Transaction{tx}
	for i := 1; i <= 10; i++ {
		history = append(history, testTx(card, device.ID, 100, ref.AddDate(0, 0, -i)))
	}

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: history})

	resp, err := h.svc.Process(context.Background(), false, "req-test")
	require.NoError(t, err)

	// One mild signal is not enough to leave the approval tier.
	assert.Equal(t, models.DecisionApproved, resp.Validation.Decision)
	assert.False(t, resp.Validation.Fraud)
	assert.Equal(t, 20, resp.Validation.FraudScore)
	assert.Equal(t, []models.AlertType{models.AlertHighAmount}, resp.Validation.Alerts)

	assert.Equal(t, 1, h.ledger.calls)
	assert.Equal(t, 4820.0, card.RemainingLimit)

	// Mild or not, a triggered alert is persisted.
	require.Equal(t, 1, h.alerts.calls)
	assert.Equal(t, models.SeverityLow, h.alerts.alert.Severity)
}

func TestPaymentService_ProcessManual_RejectsMissingPayload(t *testing.T) {
	source := &fakeSource{}
	h := newPaymentHarness(source, &fakeHistory{})

	cases := []*services.ManualPaymentRequest{
		nil,
		{DeviceID: uuid.NewString(), Amount: 10},
		{CardID: uuid.NewString(), Amount: 10},
	}

	for _, req := range cases {
		_, err := h.svc.ProcessManual(context.Background(), req, false, "req-test")
		assert.ErrorIs(t, err, services.ErrManualPayloadMissing)
	}
	assert.Zero(t, source.manualCalls)
}

func TestPaymentService_ProcessManual_RejectsMalformedIDs(t *testing.T) {
	source := &fakeSource{}
	h := newPaymentHarness(source, &fakeHistory{})

	_, err := h.svc.ProcessManual(context.Background(), &services.ManualPaymentRequest{
		CardID:   "not-a-uuid",
		DeviceID: uuid.NewString(),
		Amount:   10,
	}, false, "req-test")
	assert.ErrorContains(t, err, "invalid card_id format")

	_, err = h.svc.ProcessManual(context.Background(), &services.ManualPaymentRequest{
		CardID:   uuid.NewString(),
		DeviceID: "not-a-uuid",
		Amount:   10,
	}, false, "req-test")
	assert.ErrorContains(t, err, "invalid device_id format")

	assert.Zero(t, source.manualCalls)
}

func TestPaymentService_ProcessManual_ForwardsParsedRequest(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 75, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})

	resp, err := h.svc.ProcessManual(context.Background(), &services.ManualPaymentRequest{
		CardID:           card.ID.String(),
		DeviceID:         device.ID.String(),
		Amount:           75,
		MerchantCategory: models.CategoryRestaurant,
		IPAddress:        "2804:14c:5bb0::10",
		Latitude:         saoPauloLat,
		Longitude:        saoPauloLon,
	}, true, "req-test")
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, 1, source.manualCalls)
	assert.True(t, source.lastForce)
	require.NotNil(t, source.lastManual)
	assert.Equal(t, card.ID, source.lastManual.CardID)
	assert.Equal(t, device.ID, source.lastManual.DeviceID)
	assert.Equal(t, 75.0, source.lastManual.Amount)
	assert.Equal(t, models.CategoryRestaurant, source.lastManual.MerchantCategory)
	assert.Equal(t, saoPauloLat, source.lastManual.Latitude)
	assert.Equal(t, saoPauloLon, source.lastManual.Longitude)
}

func TestPaymentService_ProcessRequest_RoutesGeneratedMode(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 40, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})

	err := h.svc.ProcessRequest(context.Background(), &models.PaymentRequested{
		RequestID:    "req-queued",
		SuccessForce: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, source.generateCalls)
	assert.Zero(t, source.manualCalls)
	assert.True(t, source.lastForce)

	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, "req-queued", h.audit.entries[0].RequestID)
}

func TestPaymentService_ProcessRequest_RoutesManualMode(t *testing.T) {
	card := testCard(5000)
	device := testDevice()
	tx := testTx(card, device.ID, 40, ref)

	source := &fakeSource{tx: tx, card: card, device: device}
	h := newPaymentHarness(source, &fakeHistory{txs: []*models.Transaction{tx}})

	err := h.svc.ProcessRequest(context.Background(), &models.PaymentRequested{
		RequestID: "req-queued",
		Manual:    true,
		CardID:    card.ID.String(),
		DeviceID:  device.ID.String(),
		Amount:    40,
		Category:  models.CategoryGrocery,
		IPAddress: "2804:14c:5bb0::10",
		Latitude:  saoPauloLat,
		Longitude: saoPauloLon,
	})
	require.NoError(t, err)

	assert.Zero(t, source.generateCalls)
	assert.Equal(t, 1, source.manualCalls)
	require.NotNil(t, source.lastManual)
	assert.Equal(t, card.ID, source.lastManual.CardID)
	assert.Equal(t, 40.0, source.lastManual.Amount)
}

func TestPaymentService_ProcessRequest_PropagatesManualValidation(t *testing.T) {
	source := &fakeSource{}
	h := newPaymentHarness(source, &fakeHistory{})

	err := h.svc.ProcessRequest(context.Background(), &models.PaymentRequested{
		RequestID: "req-queued",
		Manual:    true,
	})

	assert.ErrorIs(t, err, services.ErrManualPayloadMissing)
}
