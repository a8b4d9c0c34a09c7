// Package scoring implements the fraud evaluation engine: the per-evaluation
// snapshot of a card's recent history, the rule set that inspects it, the
// parallel validator that fans the rules out, and the alert factory that
// turns triggered rules into a persistable FraudAlert.
package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Snapshot is the immutable per-evaluation view of a card's recent activity.
// It is loaded once, before rules are dispatched, and shared read-only by
// every rule. The derived windows are computed in memory from Last20, never
// by re-querying storage.
type Snapshot struct {
	Card    *models.Card
	Current *models.Transaction

	// Last20 holds the card's most recent transactions, newest first.
	// The current transaction is persisted before evaluation, so it
	// appears at index 0.
	Last20 []*models.Transaction

	// DeviceCardCount is the number of distinct cards linked to the
	// current device, loaded with the snapshot so rules stay free of I/O.
	DeviceCardCount int

	reference time.Time
}

// NewSnapshot builds a snapshot around the current transaction. The window
// reference time is the transaction's created_at, falling back to now.
func NewSnapshot(card *models.Card, current *models.Transaction, last20 []*models.Transaction, deviceCardCount int) *Snapshot {
	ref := current.CreatedAt
	if ref.IsZero() {
		ref = time.Now()
	}

	return &Snapshot{
		Card:            card,
		Current:         current,
		Last20:          last20,
		DeviceCardCount: deviceCardCount,
		reference:       ref,
	}
}

// Reference returns the time the history windows are anchored to.
func (s *Snapshot) Reference() time.Time {
	return s.reference
}

// Last10 returns the first ten elements of Last20.
func (s *Snapshot) Last10() []*models.Transaction {
	if len(s.Last20) <= 10 {
		return s.Last20
	}
	return s.Last20[:10]
}

// Last24Hours returns the elements of Last20 created within 24 hours of
// the reference time.
func (s *Snapshot) Last24Hours() []*models.Transaction {
	return s.within(24 * time.Hour)
}

// Last10Minutes returns the elements of Last20 created within 10 minutes
// of the reference time.
func (s *Snapshot) Last10Minutes() []*models.Transaction {
	return s.within(10 * time.Minute)
}

// Last5Minutes returns the elements of Last20 created within 5 minutes of
// the reference time.
func (s *Snapshot) Last5Minutes() []*models.Transaction {
	return s.within(5 * time.Minute)
}

func (s *Snapshot) within(d time.Duration) []*models.Transaction {
	cutoff := s.reference.Add(-d)

	var out []*models.Transaction
	for _, t := range s.Last20 {
		if !t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// historyWindow is how many stored transactions, current included, a
// snapshot carries.
const historyWindow = 20

// TransactionHistory is the slice of the transaction store the snapshot
// loader reads: the last N transactions of a card, newest first, inside
// an open database transaction.
type TransactionHistory interface {
	FindLastByCardTx(ctx context.Context, tx pgx.Tx, cardID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// DeviceCardCounter counts the distinct cards linked to a device.
type DeviceCardCounter interface {
	CountCardsForDevice(ctx context.Context, deviceID uuid.UUID) (int, error)
}

// SnapshotLoader reads everything a snapshot needs from storage.
type SnapshotLoader struct {
	history TransactionHistory
	devices DeviceCardCounter
}

// NewSnapshotLoader creates a new snapshot loader
func NewSnapshotLoader(history TransactionHistory, devices DeviceCardCounter) *SnapshotLoader {
	return &SnapshotLoader{
		history: history,
		devices: devices,
	}
}

// LoadTx builds the snapshot inside an open transaction so the history read
// sees the just-inserted current transaction.
func (l *SnapshotLoader) LoadTx(ctx context.Context, tx pgx.Tx, card *models.Card, current *models.Transaction) (*Snapshot, error) {
	last20, err := l.history.FindLastByCardTx(ctx, tx, card.ID, historyWindow)
	if err != nil {
		return nil, err
	}

	deviceCards, err := l.devices.CountCardsForDevice(ctx, current.DeviceID)
	if err != nil {
		return nil, err
	}

	return NewSnapshot(card, current, last20, deviceCards), nil
}

// LazySnapshot defers one evaluation's snapshot load until first use and
// replays the same result afterwards, so repeated loads within a single
// evaluation never issue a second storage read.
type LazySnapshot struct {
	loader  *SnapshotLoader
	card    *models.Card
	current *models.Transaction

	once sync.Once
	snap *Snapshot
	err  error
}

// Lazy binds the loader to one evaluation's card and candidate transaction.
func (l *SnapshotLoader) Lazy(card *models.Card, current *models.Transaction) *LazySnapshot {
	return &LazySnapshot{loader: l, card: card, current: current}
}

// Load returns the snapshot, reading from storage only on the first call.
func (ls *LazySnapshot) Load(ctx context.Context, tx pgx.Tx) (*Snapshot, error) {
	ls.once.Do(func() {
		ls.snap, ls.err = ls.loader.LoadTx(ctx, tx, ls.card, ls.current)
	})
	return ls.snap, ls.err
}
