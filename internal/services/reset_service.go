package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// Population caps. Creation paths hold the service lock, so the
// count-then-insert sequences below are race-free at this boundary.
const (
	CardQuantityMax    = 500
	DeviceMaxSupported = 20
)

var (
	// ErrCardQuantityMax rejects card creation beyond the population cap.
	ErrCardQuantityMax = errors.New("card quantity limit reached")
	// ErrDeviceMaxSupported rejects linking more devices to a card than supported.
	ErrDeviceMaxSupported = errors.New("device limit for card reached")
)

// wiper clears one aggregate's table.
type wiper interface {
	DeleteAll(ctx context.Context) error
}

// cardAdmin is the card store surface the reset service writes through.
type cardAdmin interface {
	DeleteAll(ctx context.Context) error
	Create(ctx context.Context, card *models.Card) error
	CreateBatch(ctx context.Context, cards []*models.Card) error
	Count(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error)
}

// deviceAdmin is the device store surface the reset service writes through.
type deviceAdmin interface {
	DeleteAll(ctx context.Context) error
	Create(ctx context.Context, device *models.Device) error
	CreateBatch(ctx context.Context, devices []*models.Device) error
	Link(ctx context.Context, cardID, deviceID uuid.UUID) error
	CountDevicesForCard(ctx context.Context, cardID uuid.UUID) (int, error)
}

// ResetService wipes and reseeds the synthetic dataset: every aggregate is
// deleted in parallel, then cards, devices, and their links are recreated
// sequentially because linking needs both populations present. A mutex
// serializes all creation paths so the population caps hold without
// database-level locking.
type ResetService struct {
	mu       sync.Mutex
	cards    cardAdmin
	devices  deviceAdmin
	txs      wiper
	alerts   wiper
	patterns wiper
	audit    auditWriter
	rng      *rand.Rand
}

// NewResetService creates the reset service. seed == 0 derives one from
// the clock; fixed seeds make reseeding reproducible.
func NewResetService(
	cards cardAdmin,
	devices deviceAdmin,
	txs wiper,
	alerts wiper,
	patterns wiper,
	audit auditWriter,
	seed int64,
) *ResetService {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &ResetService{
		cards:    cards,
		devices:  devices,
		txs:      txs,
		alerts:   alerts,
		patterns: patterns,
		audit:    audit,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// ResetRequest sizes the reseeded population.
type ResetRequest struct {
	Cards             int   `json:"cards"`
	MaxDevicesPerCard int   `json:"max_devices_per_card"`
	Seed              int64 `json:"seed"`
}

// ResetSummary reports what one reset produced.
type ResetSummary struct {
	CardsCreated   int   `json:"cards_created"`
	DevicesCreated int   `json:"devices_created"`
	LinksCreated   int   `json:"links_created"`
	DurationMs     int64 `json:"duration_ms"`
}

const (
	defaultSeedCards         = 50
	defaultMaxDevicesPerCard = 3
	sharedDeviceChance       = 0.1
	nearExpiryChance         = 0.1
)

// Reset wipes every aggregate and seeds a fresh population.
func (s *ResetService) Reset(ctx context.Context, req *ResetRequest) (*ResetSummary, error) {
	if req == nil {
		req = &ResetRequest{}
	}
	if req.Cards == 0 {
		req.Cards = defaultSeedCards
	}
	if req.MaxDevicesPerCard == 0 {
		req.MaxDevicesPerCard = defaultMaxDevicesPerCard
	}
	if req.Cards < 0 || req.Cards > CardQuantityMax {
		return nil, ErrCardQuantityMax
	}
	if req.MaxDevicesPerCard < 0 || req.MaxDevicesPerCard > DeviceMaxSupported {
		return nil, ErrDeviceMaxSupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rng := s.rng
	if req.Seed != 0 {
		rng = rand.New(rand.NewSource(req.Seed))
	}

	startTime := time.Now()
	log.Info().
		Int("cards", req.Cards).
		Int("max_devices_per_card", req.MaxDevicesPerCard).
		Msg("Resetting dataset")

	if err := s.wipe(ctx); err != nil {
		return nil, err
	}

	summary, err := s.seed(ctx, rng, req.Cards, req.MaxDevicesPerCard)
	if err != nil {
		return nil, err
	}
	summary.DurationMs = time.Since(startTime).Milliseconds()

	s.recordReset(ctx, summary)

	log.Info().
		Int("cards", summary.CardsCreated).
		Int("devices", summary.DevicesCreated).
		Int("links", summary.LinksCreated).
		Int64("duration_ms", summary.DurationMs).
		Msg("Dataset reset complete")

	return summary, nil
}

// wipe deletes every aggregate concurrently. Device deletion also clears
// the card-device links.
func (s *ResetService) wipe(ctx context.Context) error {
	targets := []struct {
		name  string
		store wiper
	}{
		{"fraud_alerts", s.alerts},
		{"card_patterns", s.patterns},
		{"transactions", s.txs},
		{"devices", s.devices},
		{"cards", s.cards},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))

	for _, t := range targets {
		wg.Add(1)
		go func(name string, store wiper) {
			defer wg.Done()
			if err := store.DeleteAll(ctx); err != nil {
				errCh <- fmt.Errorf("failed to wipe %s: %w", name, err)
			}
		}(t.name, t.store)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

// seed creates cards first, then devices, then links. A small share of
// links reuses an existing device so the device fan-out rules have
// realistic material.
func (s *ResetService) seed(ctx context.Context, rng *rand.Rand, cardCount, maxDevicesPerCard int) (*ResetSummary, error) {
	now := time.Now()

	cards := make([]*models.Card, cardCount)
	for i := range cards {
		cards[i] = synthesizeCard(rng, now)
	}
	if err := s.cards.CreateBatch(ctx, cards); err != nil {
		return nil, fmt.Errorf("failed to seed cards: %w", err)
	}

	type link struct {
		cardID   uuid.UUID
		deviceID uuid.UUID
	}

	var devices []*models.Device
	var links []link

	for _, card := range cards {
		n := 1 + rng.Intn(maxDevicesPerCard)
		for i := 0; i < n; i++ {
			if len(devices) > 0 && rng.Float64() < sharedDeviceChance {
				shared := devices[rng.Intn(len(devices))]
				links = append(links, link{cardID: card.ID, deviceID: shared.ID})
				continue
			}
			device := synthesizeDevice(rng, now)
			devices = append(devices, device)
			links = append(links, link{cardID: card.ID, deviceID: device.ID})
		}
	}

	if err := s.devices.CreateBatch(ctx, devices); err != nil {
		return nil, fmt.Errorf("failed to seed devices: %w", err)
	}

	for _, l := range links {
		if err := s.devices.Link(ctx, l.cardID, l.deviceID); err != nil {
			return nil, fmt.Errorf("failed to link device: %w", err)
		}
	}

	return &ResetSummary{
		CardsCreated:   len(cards),
		DevicesCreated: len(devices),
		LinksCreated:   len(links),
	}, nil
}

// CreateCard adds one synthesized card, enforcing the population cap.
func (s *ResetService) CreateCard(ctx context.Context) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.cards.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count cards: %w", err)
	}
	if count >= CardQuantityMax {
		return nil, ErrCardQuantityMax
	}

	card := synthesizeCard(s.rng, time.Now())
	if err := s.cards.Create(ctx, card); err != nil {
		return nil, err
	}
	return card, nil
}

// AddDevice links one synthesized device to a card, enforcing the per-card
// device cap.
func (s *ResetService) AddDevice(ctx context.Context, cardID uuid.UUID) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cards.GetByID(ctx, cardID); err != nil {
		return nil, err
	}

	count, err := s.devices.CountDevicesForCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to count card devices: %w", err)
	}
	if count >= DeviceMaxSupported {
		return nil, ErrDeviceMaxSupported
	}

	device := synthesizeDevice(s.rng, time.Now())
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, err
	}
	if err := s.devices.Link(ctx, cardID, device.ID); err != nil {
		return nil, err
	}
	return device, nil
}

func (s *ResetService) recordReset(ctx context.Context, summary *ResetSummary) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		ID:         uuid.New(),
		EventType:  models.AuditEventDatasetReset,
		EntityID:   uuid.Nil,
		EntityType: "dataset",
		Action:     "reset",
		Payload: models.JSONB{
			"cards_created":   summary.CardsCreated,
			"devices_created": summary.DevicesCreated,
			"links_created":   summary.LinksCreated,
		},
		CreatedAt: time.Now(),
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record reset audit entry")
	}
}

// Synthetic fixtures.

var cardBrands = []struct {
	name   string
	prefix string
	length int
}{
	{"VISA", "4", 16},
	{"MASTERCARD", "5", 16},
	{"AMEX", "37", 15},
	{"ELO", "636", 16},
}

var creditLimits = []float64{1000, 2500, 5000, 8000, 12000, 20000}

var firstNames = []string{
	"Ana", "Bruno", "Carla", "Diego", "Elena", "Felipe", "Gabriela",
	"Hugo", "Isabela", "João", "Karen", "Lucas", "Mariana", "Nathan",
	"Olivia", "Pedro", "Rafaela", "Sofia", "Thiago", "Valentina",
}

var lastNames = []string{
	"Almeida", "Barbosa", "Costa", "Dias", "Ferreira", "Gomes",
	"Lima", "Martins", "Nakamura", "Oliveira", "Pereira", "Ribeiro",
	"Santos", "Silva", "Souza", "Vieira",
}

func synthesizeCard(rng *rand.Rand, now time.Time) *models.Card {
	brand := cardBrands[rng.Intn(len(cardBrands))]

	number := brand.prefix
	for len(number) < brand.length {
		number += string(rune('0' + rng.Intn(10)))
	}

	// A slice of the population sits close to expiry so the expiration
	// rule has material to trigger on.
	var expiration time.Time
	if rng.Float64() < nearExpiryChance {
		expiration = now.AddDate(0, 0, 5+rng.Intn(25))
	} else {
		expiration = now.AddDate(0, 6+rng.Intn(42), 0)
	}

	limit := creditLimits[rng.Intn(len(creditLimits))]
	remaining := math.Round(limit*(0.3+0.7*rng.Float64())*100) / 100

	return &models.Card{
		ID:             uuid.New(),
		CardNumber:     number,
		Brand:          brand.name,
		HolderName:     firstNames[rng.Intn(len(firstNames))] + " " + lastNames[rng.Intn(len(lastNames))],
		ExpirationDate: expiration,
		CreditLimit:    limit,
		RemainingLimit: remaining,
		Status:         models.CardStatusActive,
		CreatedAt:      now,
	}
}

var deviceProfiles = map[string]struct {
	oses     []string
	browsers []string
}{
	models.DeviceTypeMobile: {
		oses:     []string{"Android 14", "Android 13", "iOS 17.5", "iOS 16.7"},
		browsers: []string{"Chrome Mobile 126", "Safari Mobile 17", "Samsung Internet 25"},
	},
	models.DeviceTypeDesktop: {
		oses:     []string{"Windows 11", "macOS 14.5", "Ubuntu 22.04"},
		browsers: []string{"Chrome 126", "Firefox 127", "Edge 126", "Safari 17"},
	},
	models.DeviceTypePOSTerminal: {
		oses:     []string{"Embedded Linux 5.15", "Android POS 12"},
		browsers: []string{"POS Client 3.2", "POS Client 2.9"},
	},
}

func synthesizeDevice(rng *rand.Rand, now time.Time) *models.Device {
	var deviceType string
	switch roll := rng.Float64(); {
	case roll < 0.6:
		deviceType = models.DeviceTypeMobile
	case roll < 0.9:
		deviceType = models.DeviceTypeDesktop
	default:
		deviceType = models.DeviceTypePOSTerminal
	}

	profile := deviceProfiles[deviceType]
	os := profile.oses[rng.Intn(len(profile.oses))]
	browser := profile.browsers[rng.Intn(len(profile.browsers))]

	id := uuid.New()
	sum := sha256.Sum256([]byte(deviceType + "|" + os + "|" + browser + "|" + id.String()))
	fingerprint := hex.EncodeToString(sum[:])[:32]

	firstSeen := now.AddDate(0, 0, -rng.Intn(365))

	return &models.Device{
		ID:          id,
		Fingerprint: fingerprint,
		DeviceType:  deviceType,
		OS:          os,
		Browser:     browser,
		FirstSeenAt: firstSeen,
		LastSeenAt:  now,
	}
}
