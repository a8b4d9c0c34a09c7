// Package patterns builds and caches per-card behavioral profiles. The
// profile aggregates a card's full transaction history and is rebuilt
// after every evaluation; rules and analytics read it as a prior.
package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
)

const (
	cacheKeyPrefix = "card_pattern:"
	cacheTTL       = 1 * time.Hour

	topCategories = 5
	topMerchants  = 10
	topHours      = 3
	topWeekdays   = 3
)

// Builder rebuilds card behavioral profiles from transaction history and
// memoizes them by card id.
type Builder struct {
	txRepo      *repositories.TransactionRepository
	patternRepo *repositories.PatternRepository
	cache       *queue.CacheClient
}

// NewBuilder creates a pattern builder. cache may be nil; caching is then
// skipped.
func NewBuilder(txRepo *repositories.TransactionRepository, patternRepo *repositories.PatternRepository, cache *queue.CacheClient) *Builder {
	return &Builder{
		txRepo:      txRepo,
		patternRepo: patternRepo,
		cache:       cache,
	}
}

// Rebuild recomputes the card's profile from its full history and
// persists it. The cache entry is invalidated before the write so a
// concurrent reader never observes a stale entry over a fresh row.
func (b *Builder) Rebuild(ctx context.Context, cardID uuid.UUID) (*models.CardPattern, error) {
	txs, err := b.txRepo.GetAllByCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load card history: %w", err)
	}

	pattern := &models.CardPattern{
		ID:        uuid.New(),
		CardID:    cardID,
		Profile:   BuildProfile(txs),
		UpdatedAt: time.Now(),
	}

	b.invalidate(ctx, cardID)

	if err := b.patternRepo.Upsert(ctx, pattern); err != nil {
		return nil, fmt.Errorf("failed to persist pattern: %w", err)
	}

	b.store(ctx, cardID, pattern)
	return pattern, nil
}

// Get returns the card's profile, cache-first.
func (b *Builder) Get(ctx context.Context, cardID uuid.UUID) (*models.CardPattern, error) {
	if b.cache != nil {
		var cached models.CardPattern
		if err := b.cache.Get(ctx, cacheKeyPrefix+cardID.String(), &cached); err == nil {
			return &cached, nil
		}
	}

	pattern, err := b.patternRepo.GetByCardID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	b.store(ctx, cardID, pattern)
	return pattern, nil
}

func (b *Builder) invalidate(ctx context.Context, cardID uuid.UUID) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Delete(ctx, cacheKeyPrefix+cardID.String()); err != nil {
		log.Warn().Err(err).Str("card_id", cardID.String()).Msg("Failed to invalidate pattern cache")
	}
}

func (b *Builder) store(ctx context.Context, cardID uuid.UUID, pattern *models.CardPattern) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Set(ctx, cacheKeyPrefix+cardID.String(), pattern, cacheTTL); err != nil {
		log.Warn().Err(err).Str("card_id", cardID.String()).Msg("Failed to cache pattern")
	}
}

// BuildProfile computes the statistical, categorical and temporal
// aggregates of a transaction history. An empty history yields the empty
// profile.
func BuildProfile(txs []*models.Transaction) models.PatternProfile {
	profile := models.PatternProfile{
		TransactionCount: len(txs),
		TicketBuckets: map[string]int{
			models.TicketMicro:  0,
			models.TicketSmall:  0,
			models.TicketMedium: 0,
			models.TicketLarge:  0,
		},
	}
	if len(txs) == 0 {
		return profile
	}

	amounts := make([]float64, len(txs))
	for i, t := range txs {
		amounts[i] = t.Amount
	}
	sort.Float64s(amounts)
	n := len(amounts)

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	profile.AmountMean = sum / float64(n)
	profile.AmountMax = amounts[n-1]
	profile.AmountMedian = amounts[clampIndex(n/2, n)]
	profile.AmountQ1 = amounts[clampIndex(n/4, n)]
	profile.AmountQ3 = amounts[clampIndex(3*n/4, n)]
	profile.AmountIQR = profile.AmountQ3 - profile.AmountQ1

	var variance float64
	for _, a := range amounts {
		diff := a - profile.AmountMean
		variance += diff * diff
	}
	variance /= float64(n)
	profile.AmountStdDev = math.Sqrt(variance)

	p95 := int(math.Ceil(0.95*float64(n))) - 1
	if p95 > n-1 {
		p95 = n - 1
	}
	profile.AmountP95 = amounts[clampIndex(p95, n)]

	for _, a := range amounts {
		profile.TicketBuckets[ticketBucket(a, profile.AmountQ1, profile.AmountMedian, profile.AmountQ3)]++
	}

	// Category histogram, top list and Shannon entropy.
	categories := make(map[string]int)
	merchants := make(map[string]int)
	for _, t := range txs {
		if t.MerchantCategory != "" {
			categories[t.MerchantCategory]++
		}
		if t.Merchant != "" {
			merchants[t.Merchant]++
		}
	}
	for _, c := range topCounts(categories, topCategories) {
		profile.TopCategories = append(profile.TopCategories, models.CategoryCount{Category: c.key, Count: c.count})
	}
	profile.CategoryEntropy = shannonEntropy(categories, len(txs))
	for _, m := range topCounts(merchants, topMerchants) {
		profile.TopMerchants = append(profile.TopMerchants, models.MerchantCount{Merchant: m.key, Count: m.count})
	}

	// Temporal histograms over hour-of-day and weekday.
	hourCounts := make(map[string]int)
	dayCounts := make(map[string]int)
	var hours [24]int
	var weekdays [7]int
	var hourValues []float64
	weekendCount := 0
	for _, t := range txs {
		if t.CreatedAt.IsZero() {
			continue
		}
		hour := t.CreatedAt.Hour()
		day := t.CreatedAt.Weekday()
		hours[hour]++
		weekdays[day]++
		hourValues = append(hourValues, float64(hour))
		if day == time.Saturday || day == time.Sunday {
			weekendCount++
		}
		date := t.CreatedAt.Format("2006-01-02")
		dayCounts[date]++
		hourCounts[fmt.Sprintf("%s:%02d", date, hour)]++
	}

	timed := len(hourValues)
	if timed > 0 {
		profile.TopHours = topBuckets(hours[:], topHours)
		profile.TopWeekdays = topBuckets(weekdays[:], topWeekdays)
		profile.WeekendRatio = float64(weekendCount) / float64(timed)

		total := 0
		for _, c := range dayCounts {
			total += c
		}
		profile.DailyFrequency = float64(total) / float64(len(dayCounts))

		for _, c := range hourCounts {
			if c > profile.MaxTxPerHour {
				profile.MaxTxPerHour = c
			}
		}

		_, profile.TemporalConsistency = meanStdDev(hourValues)
	}

	return profile
}

// ticketBucket classifies an amount against the quartile split points:
// micro < Q1 <= small < median <= medium < Q3 <= large.
func ticketBucket(amount, q1, median, q3 float64) string {
	switch {
	case amount < q1:
		return models.TicketMicro
	case amount < median:
		return models.TicketSmall
	case amount < q3:
		return models.TicketMedium
	default:
		return models.TicketLarge
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}

func shannonEntropy(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

type keyedCount struct {
	key   string
	count int
}

// topCounts returns the limit highest-count entries, ties broken by key
// so results are deterministic.
func topCounts(counts map[string]int, limit int) []keyedCount {
	entries := make([]keyedCount, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, keyedCount{key: k, count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// topBuckets returns the indexes of the limit highest-count buckets,
// skipping empty ones; ties resolve to the lower index.
func topBuckets(buckets []int, limit int) []int {
	idx := make([]int, 0, len(buckets))
	for i, c := range buckets {
		if c > 0 {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		if buckets[idx[i]] != buckets[idx[j]] {
			return buckets[idx[i]] > buckets[idx[j]]
		}
		return idx[i] < idx[j]
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	return idx
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
