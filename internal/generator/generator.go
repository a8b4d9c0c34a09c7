// Package generator synthesizes payment transactions for a pool of
// cards and devices, using each card's recent history as a behavioral
// prior. It powers the normal processing mode and validates the manual
// mode's caller-supplied fields.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

// ErrCardBlockedOrLost rejects generation against a card that is not ACTIVE.
var ErrCardBlockedOrLost = errors.New("card is blocked or lost")

const (
	historyWindow = 20
	baseAmount    = 100.0

	outlierChance    = 0.1
	highRiskChance   = 0.1
	vpnChance        = 0.05
	cityJumpChance   = 0.05
	localRadiusKm    = 5.0
	urbanRadiusShare = 0.5
)

// merchantNames gives each category a small pool of merchant names so
// generated histories produce meaningful top-merchant aggregates.
var merchantNames = map[string][]string{
	models.CategoryGrocery:        {"Mercado Central", "FreshMart", "Pão de Açúcar"},
	models.CategoryRestaurant:     {"Cantina Bella", "Burger Hub", "Sushi Prime"},
	models.CategoryGasStation:     {"Posto Ipiranga", "Shell Express", "FuelGo"},
	models.CategoryPharmacy:       {"Drogaria São Paulo", "PharmaPlus"},
	models.CategoryEntertainment:  {"CineMax", "Arena Tickets", "StreamZone"},
	models.CategoryRetail:         {"Magazine Center", "Casa & Estilo", "OutletOne"},
	models.CategoryElectronics:    {"TechHouse", "Eletro City"},
	models.CategoryTravel:         {"SkyTrips", "Hotel Urbano"},
	models.CategorySubscription:   {"PlayPlus", "CloudBox"},
	models.CategoryGambling:       {"BetNow", "Casino Royal Online"},
	models.CategoryCryptoExchange: {"CoinTradeX", "BitMarket"},
	models.CategoryMoneyTransfer:  {"QuickRemit", "GlobalPay Transfer"},
	models.CategoryAdultContent:   {"NightPass Media"},
}

// Generator produces synthetic transactions aligned with the evaluation
// pipeline's schema. Safe for concurrent use.
type Generator struct {
	cardRepo   *repositories.CardRepository
	deviceRepo *repositories.DeviceRepository
	txRepo     *repositories.TransactionRepository
	blacklist  *geo.VPNBlacklist

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a configured Generator. seed == 0 derives one from the
// clock; fixed seeds make generation reproducible.
func New(
	cardRepo *repositories.CardRepository,
	deviceRepo *repositories.DeviceRepository,
	txRepo *repositories.TransactionRepository,
	blacklist *geo.VPNBlacklist,
	seed int64,
) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		cardRepo:   cardRepo,
		deviceRepo: deviceRepo,
		txRepo:     txRepo,
		blacklist:  blacklist,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// ManualRequest carries the caller-supplied fields of the manual mode.
type ManualRequest struct {
	CardID           uuid.UUID
	DeviceID         uuid.UUID
	Amount           float64
	MerchantCategory string
	IPAddress        string
	Latitude         string
	Longitude        string
}

// Generate synthesizes one transaction for a random active card with a
// linked device. The initial decision is REVIEW, or APPROVED when
// successForce is set.
func (g *Generator) Generate(ctx context.Context, successForce bool) (*models.Transaction, *models.Card, *models.Device, error) {
	card, err := g.cardRepo.GetRandomActiveWithDevices(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	devices, err := g.deviceRepo.GetByCard(ctx, card.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load card devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, nil, nil, repositories.ErrDeviceNotLinked
	}

	history, err := g.txRepo.FindLastByCard(ctx, card.ID, historyWindow)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load card history: %w", err)
	}

	g.mu.Lock()
	device := devices[g.rng.Intn(len(devices))]
	amount := g.generateAmount(history)
	merchant, category := g.generateMerchant(history)
	ip := g.generateIPv6()
	lat, lon := g.generateLocation(history)
	g.mu.Unlock()

	return buildTransaction(card, device, amount, merchant, category, ip, lat, lon, successForce), card, device, nil
}

// GenerateManual validates the caller-supplied fields and assembles the
// transaction. The device must belong to the card's device set.
func (g *Generator) GenerateManual(ctx context.Context, req *ManualRequest, successForce bool) (*models.Transaction, *models.Card, *models.Device, error) {
	card, err := g.cardRepo.GetByID(ctx, req.CardID)
	if err != nil {
		return nil, nil, nil, err
	}
	if card.Status != models.CardStatusActive {
		return nil, nil, nil, ErrCardBlockedOrLost
	}

	device, err := g.deviceRepo.GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, nil, nil, err
	}

	linked, err := g.deviceRepo.IsLinked(ctx, card.ID, device.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to check device link: %w", err)
	}
	if !linked {
		return nil, nil, nil, repositories.ErrDeviceNotLinked
	}

	if _, _, err := geo.ParseCoordinate(req.Latitude, req.Longitude); err != nil {
		return nil, nil, nil, err
	}

	merchant := ""
	if names := merchantNames[req.MerchantCategory]; len(names) > 0 {
		g.mu.Lock()
		merchant = names[g.rng.Intn(len(names))]
		g.mu.Unlock()
	}

	return buildTransaction(card, device, req.Amount, merchant, req.MerchantCategory, req.IPAddress, req.Latitude, req.Longitude, successForce), card, device, nil
}

func buildTransaction(card *models.Card, device *models.Device, amount float64, merchant, category, ip, lat, lon string, successForce bool) *models.Transaction {
	decision := models.DecisionReview
	if successForce {
		decision = models.DecisionApproved
	}
	now := time.Now().UTC()
	return &models.Transaction{
		ID:                uuid.New(),
		CardID:            card.ID,
		DeviceID:          device.ID,
		DeviceFingerprint: device.Fingerprint,
		Amount:            amount,
		Merchant:          merchant,
		MerchantCategory:  category,
		IPAddress:         ip,
		Latitude:          lat,
		Longitude:         lon,
		Decision:          decision,
		TransactionAt:     now,
		CreatedAt:         now,
	}
}

// generateAmount draws around the card's recent average: 90% of draws
// stay within ±10% of it, 10% are a 3-5x outlier. An empty history falls
// back to the base amount.
func (g *Generator) generateAmount(history []*models.Transaction) float64 {
	avg := baseAmount
	if len(history) > 0 {
		var sum float64
		for _, t := range history {
			sum += t.Amount
		}
		avg = sum / float64(len(history))
	}

	var amount float64
	if g.rng.Float64() < outlierChance {
		amount = avg * (3 + float64(g.rng.Intn(3)))
	} else {
		amount = avg * (0.9 + g.rng.Float64()*0.2)
	}
	return math.Round(amount*100) / 100
}

// generateMerchant picks a merchant category, 10% uniformly from the
// high-risk set, otherwise weighted by the card's recent habits (weight
// 1 + 3 per occurrence in the history window), and a merchant name from
// that category's pool.
func (g *Generator) generateMerchant(history []*models.Transaction) (string, string) {
	category := models.CategoryUnknown
	if g.rng.Float64() < highRiskChance {
		category = models.HighRiskCategories[g.rng.Intn(len(models.HighRiskCategories))]
	} else {
		occurrences := make(map[string]int, len(history))
		for _, t := range history {
			occurrences[t.MerchantCategory]++
		}

		total := 0
		weights := make([]int, len(models.RegularCategories))
		for i, c := range models.RegularCategories {
			weights[i] = 1 + 3*occurrences[c]
			total += weights[i]
		}

		pick := g.rng.Intn(total)
		for i, w := range weights {
			if pick < w {
				category = models.RegularCategories[i]
				break
			}
			pick -= w
		}
	}

	names := merchantNames[category]
	if len(names) == 0 {
		return "", category
	}
	return names[g.rng.Intn(len(names))], category
}

// generateIPv6 emits a random global address, 5% of the time drawn from
// a VPN-blacklist CIDR so the network rules have live positives.
func (g *Generator) generateIPv6() string {
	if g.blacklist != nil && g.blacklist.Size() > 0 && g.rng.Float64() < vpnChance {
		return g.blacklist.RandomAddress(g.rng).String()
	}
	return geo.RandomIPv6(g.rng).String()
}

// generateLocation continues the card's trajectory: within 5 km of the
// most recent coordinate 95% of the time, a jump to a random city 5% of
// the time. Cards without prior coordinates start inside a random city's
// urban core.
func (g *Generator) generateLocation(history []*models.Transaction) (string, string) {
	var prevLat, prevLon float64
	found := false
	for _, t := range history {
		lat, lon, err := geo.ParseCoordinate(t.Latitude, t.Longitude)
		if err != nil {
			continue
		}
		prevLat, prevLon = lat, lon
		found = true
		break
	}

	var lat, lon float64
	switch {
	case !found:
		city := geo.RandomCity(g.rng)
		lat, lon = geo.RandomPointInRadius(g.rng, city.Lat, city.Lon, city.UrbanRadiusKm*urbanRadiusShare)
	case g.rng.Float64() < cityJumpChance:
		city := geo.RandomCity(g.rng)
		lat, lon = geo.RandomPointInRadius(g.rng, city.Lat, city.Lon, city.UrbanRadiusKm*urbanRadiusShare)
	default:
		lat, lon = geo.RandomPointInRadius(g.rng, prevLat, prevLon, localRadiusKm)
	}
	return geo.FormatCoordinate(lat), geo.FormatCoordinate(lon)
}
