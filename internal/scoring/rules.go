package scoring

import (
	"context"
	"math"
	"time"

	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/models"
)

// Country codes treated as high risk by RULE_HIGH_RISK_COUNTRY.
var highRiskCountries = map[string]bool{
	"RU": true, "NG": true, "IR": true, "KP": true, "UA": true,
}

// Partial is the contribution of a single rule to an evaluation. A rule
// that does not trigger returns the zero value; a triggered rule returns
// the summed weight of its alerts, so Score == 0 exactly when Alerts is
// empty.
type Partial struct {
	Score  int
	Alerts []models.AlertType
}

// triggered builds a Partial from the given alert tags with their
// canonical weights.
func triggered(alerts ...models.AlertType) Partial {
	p := Partial{Alerts: alerts}
	for _, a := range alerts {
		p.Score += a.Score()
	}
	return p
}

// Rule is one independent fraud check. Evaluate must be side-effect free:
// it reads the transaction and the shared snapshot and returns a partial.
// Rules never return errors; on missing or malformed inputs they return
// the empty partial.
type Rule struct {
	ID       string
	Name     string
	Evaluate func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial
}

// initializeRules sets up the fraud rule set.
func (e *Engine) initializeRules() {
	e.rules = []Rule{
		{
			ID:   "RULE_VELOCITY_ABUSE",
			Name: "Velocity Abuse",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if len(snap.Last5Minutes()) >= 3 {
					return triggered(models.AlertVelocityAbuse)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_BURST_ACTIVITY",
			Name: "Burst Activity",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				baseline := len(snap.Last24Hours())
				if baseline < 5 {
					return Partial{}
				}
				// Expected 5-minute share of the 24h volume, times 3.
				threshold := float64(baseline) / 24.0 * 3.0
				if float64(len(snap.Last5Minutes())) > threshold {
					return triggered(models.AlertBurstActivity)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_CARD_TESTING",
			Name: "Card Testing",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				var veryLow, low int
				for _, t := range snap.Last10Minutes() {
					if t.Amount <= 2 {
						veryLow++
					}
					if t.Amount <= 5 {
						low++
					}
				}
				if veryLow >= 3 || low >= 5 {
					return triggered(models.AlertCardTesting)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_MICRO_TRANSACTION_PATTERN",
			Name: "Micro Transaction Pattern",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if len(snap.Last20) < 5 {
					return Partial{}
				}
				micro := 0
				for _, t := range snap.Last20 {
					if t.Amount <= 2 {
						micro++
					}
				}
				if float64(micro)/float64(len(snap.Last20)) >= 0.6 {
					return triggered(models.AlertMicroTransactionPattern)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_DECLINE_THEN_APPROVE",
			Name: "Decline Then Approve Pattern",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if tx.Decision != models.DecisionApproved {
					return Partial{}
				}
				last10 := snap.Last10()
				if len(last10) < 4 {
					return Partial{}
				}
				blocked := 0
				checked := 0
				for _, t := range last10 {
					if t.ID == tx.ID {
						continue
					}
					if checked == 3 {
						break
					}
					checked++
					if t.Decision == models.DecisionBlocked {
						blocked++
					}
				}
				if blocked >= 3 {
					return triggered(models.AlertDeclineThenApprovePattern)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_HIGH_AMOUNT",
			Name: "High Amount",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if len(snap.Last20) < 5 {
					return Partial{}
				}
				if tx.Amount > meanAmount(snap.Last20)*1.5 {
					return triggered(models.AlertHighAmount)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_LIMIT_EXCEEDED",
			Name: "Limit Exceeded",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if snap.Card == nil {
					return Partial{}
				}
				var used float64
				for _, t := range snap.Last20 {
					used += t.Amount
				}
				if tx.Amount > snap.Card.CreditLimit-used {
					return triggered(models.AlertLimitExceeded)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_CREDIT_AND_EXPIRATION",
			Name: "Credit Limit and Expiration",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if snap.Card == nil {
					return Partial{}
				}
				var alerts []models.AlertType
				if tx.Amount > snap.Card.RemainingLimit {
					alerts = append(alerts, models.AlertCreditLimitReached)
				}
				if !snap.Card.ExpirationDate.IsZero() &&
					snap.Card.ExpirationDate.Sub(snap.Reference()) <= 30*24*time.Hour {
					alerts = append(alerts, models.AlertExpirationDateApproaching)
				}
				if len(alerts) == 0 {
					return Partial{}
				}
				return triggered(alerts...)
			},
		},
		{
			ID:   "RULE_HIGH_RISK_COUNTRY",
			Name: "High Risk Country",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if e.resolver == nil || tx.Latitude == "" || tx.Longitude == "" {
					return Partial{}
				}
				place, err := e.resolver.Resolve(ctx, tx.Latitude, tx.Longitude)
				if err != nil || place.CountryCode == "" {
					return Partial{}
				}
				if highRiskCountries[place.CountryCode] {
					return triggered(models.AlertHighRiskCountry)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_LOCATION_ANOMALY",
			Name: "Location Anomaly",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				dist, ok := distanceFromPrevious(tx, snap)
				if !ok {
					return Partial{}
				}
				if dist > 300 {
					return triggered(models.AlertLocationAnomaly)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_IMPOSSIBLE_TRAVEL",
			Name: "Impossible Travel",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				prev := previousTransaction(tx, snap)
				if prev == nil {
					return Partial{}
				}
				deltaSeconds := tx.CreatedAt.Sub(prev.CreatedAt).Seconds()
				if deltaSeconds <= 0 {
					return Partial{}
				}
				dist, ok := distanceBetween(prev, tx)
				if !ok {
					return Partial{}
				}
				hours := deltaSeconds / 3600
				if dist > 1000 && hours < 1 {
					return triggered(models.AlertImpossibleTravel)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_NEW_DEVICE",
			Name: "New Device Detected",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				prior := false
				seen := false
				for _, t := range snap.Last20 {
					if t.ID == tx.ID {
						continue
					}
					prior = true
					if t.DeviceID == tx.DeviceID {
						seen = true
						break
					}
				}
				if prior && !seen {
					return triggered(models.AlertNewDeviceDetected)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_FINGERPRINT_CHANGE",
			Name: "Device Fingerprint Change",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if tx.DeviceFingerprint == "" {
					return Partial{}
				}
				// Only applies to known devices: the most recent prior
				// transaction from the same device carries the reference
				// fingerprint.
				for _, t := range snap.Last20 {
					if t.ID == tx.ID || t.DeviceID != tx.DeviceID {
						continue
					}
					if t.DeviceFingerprint == "" {
						continue
					}
					if t.DeviceFingerprint != tx.DeviceFingerprint {
						return triggered(models.AlertDeviceFingerprintChange)
					}
					return Partial{}
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_TOR_OR_PROXY",
			Name: "Tor or Proxy Detected",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if e.blacklist == nil || tx.IPAddress == "" {
					return Partial{}
				}
				if e.blacklist.ContainsIP(tx.IPAddress) {
					return triggered(models.AlertTorOrProxyDetected)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_MULTIPLE_CARDS_SAME_DEVICE",
			Name: "Multiple Cards Same Device",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if snap.DeviceCardCount >= 4 {
					return triggered(models.AlertMultipleCardsSameDevice)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_MULTIPLE_FAILED_ATTEMPTS",
			Name: "Multiple Failed Attempts",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				blocked := 0
				for _, t := range snap.Last5Minutes() {
					if t.Decision == models.DecisionBlocked {
						blocked++
					}
				}
				if blocked >= 3 {
					return triggered(models.AlertMultipleFailedAttempts)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_SUSPICIOUS_SUCCESS",
			Name: "Suspicious Success After Failure",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if tx.Decision != models.DecisionApproved {
					return Partial{}
				}
				last5 := snap.Last20
				if len(last5) > 5 {
					last5 = last5[:5]
				}
				blocked := 0
				for _, t := range last5 {
					if t.ID == tx.ID {
						continue
					}
					if t.Decision == models.DecisionBlocked {
						blocked++
					}
				}
				if blocked >= 2 {
					return triggered(models.AlertSuspiciousSuccessAfterFailure)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_TIME_OF_DAY",
			Name: "Time of Day Anomaly",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				if len(snap.Last20) < 10 {
					return Partial{}
				}
				var sum float64
				for _, t := range snap.Last20 {
					sum += float64(t.CreatedAt.Hour())
				}
				mean := sum / float64(len(snap.Last20))
				if math.Abs(float64(tx.CreatedAt.Hour())-mean) > 4 {
					return triggered(models.AlertTimeOfDayAnomaly)
				}
				return Partial{}
			},
		},
		{
			ID:   "RULE_ANOMALY_MODEL",
			Name: "Statistical Anomaly Model",
			Evaluate: func(ctx context.Context, tx *models.Transaction, snap *Snapshot) Partial {
				var amounts []float64
				for _, t := range snap.Last20 {
					if t.ID == tx.ID {
						continue
					}
					amounts = append(amounts, t.Amount)
				}
				if len(amounts) < 10 {
					return Partial{}
				}
				mean, stdDev := meanStdDev(amounts)
				if stdDev > 0 && math.Abs(tx.Amount-mean) > 2.5*stdDev {
					return triggered(models.AlertAnomalyModelTriggered)
				}
				return Partial{}
			},
		},
	}
}

// previousTransaction returns the latest element of last20 strictly older
// than the current transaction, or nil when the snapshot holds no usable
// predecessor.
func previousTransaction(tx *models.Transaction, snap *Snapshot) *models.Transaction {
	if len(snap.Last20) < 2 {
		return nil
	}
	for _, t := range snap.Last20 {
		if t.ID == tx.ID {
			continue
		}
		if t.CreatedAt.Before(tx.CreatedAt) {
			return t
		}
	}
	return nil
}

// distanceFromPrevious computes the haversine distance between the current
// transaction and its predecessor. ok is false when there is no
// predecessor or either coordinate pair is malformed.
func distanceFromPrevious(tx *models.Transaction, snap *Snapshot) (float64, bool) {
	prev := previousTransaction(tx, snap)
	if prev == nil {
		return 0, false
	}
	return distanceBetween(prev, tx)
}

func distanceBetween(a, b *models.Transaction) (float64, bool) {
	lat1, lon1, err := geo.ParseCoordinate(a.Latitude, a.Longitude)
	if err != nil {
		return 0, false
	}
	lat2, lon2, err := geo.ParseCoordinate(b.Latitude, b.Longitude)
	if err != nil {
		return 0, false
	}
	return geo.Haversine(lat1, lon1, lat2, lon2), true
}

func meanAmount(txs []*models.Transaction) float64 {
	if len(txs) == 0 {
		return 0
	}
	var sum float64
	for _, t := range txs {
		sum += t.Amount
	}
	return sum / float64(len(txs))
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
