package scoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/scoring"
)

func TestSnapshot_DerivedWindows(t *testing.T) {
	card := quietCard()
	device := uuid.New()

	current := historyTx(card, device, 100, ref)
	snap := snapshotOf(card, current,
		historyTx(card, device, 100, ref.Add(-2*time.Minute)),
		historyTx(card, device, 100, ref.Add(-4*time.Minute)),
		historyTx(card, device, 100, ref.Add(-7*time.Minute)),
		historyTx(card, device, 100, ref.Add(-3*time.Hour)),
		historyTx(card, device, 100, ref.AddDate(0, 0, -2)),
	)

	assert.Equal(t, ref, snap.Reference())
	assert.Len(t, snap.Last20, 6)
	assert.Len(t, snap.Last10(), 6)
	assert.Len(t, snap.Last24Hours(), 5)
	assert.Len(t, snap.Last10Minutes(), 4)
	assert.Len(t, snap.Last5Minutes(), 3)
}

func TestSnapshot_WindowEdgesAreInclusive(t *testing.T) {
	card := quietCard()
	device := uuid.New()

	current := historyTx(card, device, 100, ref)
	snap := snapshotOf(card, current,
		historyTx(card, device, 100, ref.Add(-5*time.Minute)),
		historyTx(card, device, 100, ref.Add(-10*time.Minute)),
		historyTx(card, device, 100, ref.Add(-24*time.Hour)),
	)

	assert.Len(t, snap.Last5Minutes(), 2)
	assert.Len(t, snap.Last10Minutes(), 3)
	assert.Len(t, snap.Last24Hours(), 4)
}

func TestSnapshot_Last10CapsAtTen(t *testing.T) {
	card := quietCard()
	device := uuid.New()

	current := historyTx(card, device, 100, ref)
	var history []*models.Transaction
	for i := 1; i <= 14; i++ {
		history = append(history, historyTx(card, device, 100, ref.Add(-time.Duration(i)*time.Hour)))
	}
	snap := snapshotOf(card, current, history...)

	last10 := snap.Last10()
	require.Len(t, last10, 10)
	assert.Equal(t, snap.Last20[:10], last10)
	assert.Same(t, current, last10[0])
}

func TestSnapshot_ReferenceFallsBackToNow(t *testing.T) {
	card := quietCard()
	current := historyTx(card, uuid.New(), 100, time.Time{})

	snap := scoring.NewSnapshot(card, current, []*models.Transaction{current}, 1)

	assert.WithinDuration(t, time.Now(), snap.Reference(), 2*time.Second)
}

// fakeHistory records history reads and serves a canned window.
type fakeHistory struct {
	txs    []*models.Transaction
	err    error
	calls  int
	cardID uuid.UUID
	limit  int
}

func (f *fakeHistory) FindLastByCardTx(_ context.Context, _ pgx.Tx, cardID uuid.UUID, limit int) ([]*models.Transaction, error) {
	f.calls++
	f.cardID = cardID
	f.limit = limit
	return f.txs, f.err
}

// fakeDeviceCounter records fan-out lookups.
type fakeDeviceCounter struct {
	count    int
	err      error
	calls    int
	deviceID uuid.UUID
}

func (f *fakeDeviceCounter) CountCardsForDevice(_ context.Context, deviceID uuid.UUID) (int, error) {
	f.calls++
	f.deviceID = deviceID
	return f.count, f.err
}

func TestSnapshotLoader_LoadTx(t *testing.T) {
	card := quietCard()
	device := uuid.New()
	current := historyTx(card, device, 100, ref)
	older := historyTx(card, device, 80, ref.Add(-time.Hour))

	history := &fakeHistory{txs: []*models.Transaction{current, older}}
	devices := &fakeDeviceCounter{count: 3}
	loader := scoring.NewSnapshotLoader(history, devices)

	snap, err := loader.LoadTx(context.Background(), nil, card, current)
	require.NoError(t, err)

	assert.Equal(t, card, snap.Card)
	assert.Equal(t, current, snap.Current)
	assert.Len(t, snap.Last20, 2)
	assert.Equal(t, 3, snap.DeviceCardCount)
	assert.Equal(t, card.ID, history.cardID)
	assert.Equal(t, 20, history.limit)
	assert.Equal(t, device, devices.deviceID)
}

func TestLazySnapshot_LoadsOnce(t *testing.T) {
	card := quietCard()
	device := uuid.New()
	current := historyTx(card, device, 100, ref)

	history := &fakeHistory{txs: []*models.Transaction{current}}
	devices := &fakeDeviceCounter{count: 1}
	lazy := scoring.NewSnapshotLoader(history, devices).Lazy(card, current)

	ctx := context.Background()
	first, err := lazy.Load(ctx, nil)
	require.NoError(t, err)
	second, err := lazy.Load(ctx, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, history.calls)
	assert.Equal(t, 1, devices.calls)
}

func TestLazySnapshot_ReplaysLoadError(t *testing.T) {
	card := quietCard()
	current := historyTx(card, uuid.New(), 100, ref)

	history := &fakeHistory{err: errors.New("connection reset")}
	lazy := scoring.NewSnapshotLoader(history, &fakeDeviceCounter{}).Lazy(card, current)

	ctx := context.Background()
	_, err1 := lazy.Load(ctx, nil)
	_, err2 := lazy.Load(ctx, nil)

	assert.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, history.calls)
}
