package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User represents an API user
type User struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// UserRole enum values
const (
	RoleUser    = "user"
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

// Card represents a payment card and its credit state
type Card struct {
	ID                uuid.UUID  `json:"id"`
	CardNumber        string     `json:"-"` // raw PAN, never serialized
	Brand             string     `json:"brand"`
	HolderName        string     `json:"holder_name"`
	ExpirationDate    time.Time  `json:"expiration_date"`
	CreditLimit       float64    `json:"credit_limit"`
	RemainingLimit    float64    `json:"remaining_limit"`
	Status            string     `json:"status"` // ACTIVE, BLOCKED, LOST
	RiskScore         int        `json:"risk_score"`
	CreatedAt         time.Time  `json:"created_at"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
}

// CardStatus enum values
const (
	CardStatusActive  = "ACTIVE"
	CardStatusBlocked = "BLOCKED"
	CardStatusLost    = "LOST"
)

// CardBrand enum values
const (
	BrandVisa       = "VISA"
	BrandMastercard = "MASTERCARD"
	BrandAmex       = "AMEX"
	BrandElo        = "ELO"
)

// MaskedNumber returns the PCI-safe printable form of the card number:
// only the last four digits are exposed.
func (c *Card) MaskedNumber() string {
	return MaskPAN(c.CardNumber)
}

// MaskPAN masks a raw PAN down to its last four digits. Inputs shorter
// than four characters (or empty) mask completely.
func MaskPAN(raw string) string {
	if len(raw) < 4 {
		return "****"
	}
	return "**** **** **** " + raw[len(raw)-4:]
}

// Device represents a physical or virtual device that initiates transactions.
// Cards and devices are many-to-many; the link lives in card_devices.
type Device struct {
	ID          uuid.UUID `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	DeviceType  string    `json:"device_type"` // MOBILE, DESKTOP, POS_TERMINAL
	OS          string    `json:"os"`
	Browser     string    `json:"browser"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// DeviceType enum values
const (
	DeviceTypeMobile      = "MOBILE"
	DeviceTypeDesktop     = "DESKTOP"
	DeviceTypePOSTerminal = "POS_TERMINAL"
)

// Transaction represents a single payment attempt and its terminal decision
type Transaction struct {
	ID                uuid.UUID  `json:"id"`
	CardID            uuid.UUID  `json:"card_id"`
	DeviceID          uuid.UUID  `json:"device_id"`
	DeviceFingerprint string     `json:"device_fingerprint"` // snapshot at creation, immutable
	Amount            float64    `json:"amount"`
	Merchant          string     `json:"merchant"`
	MerchantCategory  string     `json:"merchant_category"`
	IPAddress         string     `json:"ip_address"` // IPv6 textual form
	Latitude          string     `json:"latitude"`   // 6-decimal string
	Longitude         string     `json:"longitude"`  // 6-decimal string
	Country           *string    `json:"country,omitempty"`
	State             *string    `json:"state,omitempty"`
	City              *string    `json:"city,omitempty"`
	Decision          string     `json:"decision"` // APPROVED, REVIEW, BLOCKED
	Fraud             bool       `json:"fraud"`
	Reimbursed        bool       `json:"reimbursed"`
	RiskScore         int        `json:"risk_score"`
	TransactionAt     time.Time  `json:"transaction_at"`
	CreatedAt         time.Time  `json:"created_at"` // ordering key for history windows
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// Decision enum values
const (
	DecisionApproved = "APPROVED"
	DecisionReview   = "REVIEW"
	DecisionBlocked  = "BLOCKED"
)

// MerchantCategory enum values; the high-risk subset drives both the
// generator and the HIGH_RISK category sampling
const (
	CategoryGrocery        = "GROCERY"
	CategoryRestaurant     = "RESTAURANT"
	CategoryGasStation     = "GAS_STATION"
	CategoryPharmacy       = "PHARMACY"
	CategoryEntertainment  = "ENTERTAINMENT"
	CategoryRetail         = "RETAIL"
	CategoryElectronics    = "ELECTRONICS"
	CategoryTravel         = "TRAVEL"
	CategorySubscription   = "SUBSCRIPTION"
	CategoryGambling       = "GAMBLING"
	CategoryCryptoExchange = "CRYPTO_EXCHANGE"
	CategoryMoneyTransfer  = "MONEY_TRANSFER"
	CategoryAdultContent   = "ADULT_CONTENT"
	CategoryUnknown        = "UNKNOWN"
)

// HighRiskCategories is the closed high-risk merchant set used by the generator.
var HighRiskCategories = []string{
	CategoryGambling,
	CategoryCryptoExchange,
	CategoryMoneyTransfer,
	CategoryAdultContent,
}

// RegularCategories is the weighted-sampling pool for normal merchant picks.
var RegularCategories = []string{
	CategoryGrocery,
	CategoryRestaurant,
	CategoryGasStation,
	CategoryPharmacy,
	CategoryEntertainment,
	CategoryRetail,
	CategoryElectronics,
	CategoryTravel,
	CategorySubscription,
}

// AlertType tags a specific fraud signal; each carries a static score weight
type AlertType string

// AlertType enum values
const (
	AlertAnomalyModelTriggered         AlertType = "ANOMALY_MODEL_TRIGGERED"
	AlertCardTesting                   AlertType = "CARD_TESTING"
	AlertMicroTransactionPattern       AlertType = "MICRO_TRANSACTION_PATTERN"
	AlertDeclineThenApprovePattern     AlertType = "DECLINE_THEN_APPROVE_PATTERN"
	AlertVelocityAbuse                 AlertType = "VELOCITY_ABUSE"
	AlertBurstActivity                 AlertType = "BURST_ACTIVITY"
	AlertHighAmount                    AlertType = "HIGH_AMOUNT"
	AlertLimitExceeded                 AlertType = "LIMIT_EXCEEDED"
	AlertImpossibleTravel              AlertType = "IMPOSSIBLE_TRAVEL"
	AlertHighRiskCountry               AlertType = "HIGH_RISK_COUNTRY"
	AlertLocationAnomaly               AlertType = "LOCATION_ANOMALY"
	AlertNewDeviceDetected             AlertType = "NEW_DEVICE_DETECTED"
	AlertDeviceFingerprintChange       AlertType = "DEVICE_FINGERPRINT_CHANGE"
	AlertTorOrProxyDetected            AlertType = "TOR_OR_PROXY_DETECTED"
	AlertMultipleCardsSameDevice       AlertType = "MULTIPLE_CARDS_SAME_DEVICE"
	AlertMultipleFailedAttempts        AlertType = "MULTIPLE_FAILED_ATTEMPTS"
	AlertSuspiciousSuccessAfterFailure AlertType = "SUSPICIOUS_SUCCESS_AFTER_FAILURE"
	AlertTimeOfDayAnomaly              AlertType = "TIME_OF_DAY_ANOMALY"
	AlertCreditLimitReached            AlertType = "CREDIT_LIMIT_REACHED"
	AlertExpirationDateApproaching     AlertType = "EXPIRATION_DATE_APPROACHING"
)

var alertScores = map[AlertType]int{
	AlertAnomalyModelTriggered:         30,
	AlertCardTesting:                   50,
	AlertMicroTransactionPattern:       35,
	AlertDeclineThenApprovePattern:     30,
	AlertVelocityAbuse:                 35,
	AlertBurstActivity:                 25,
	AlertHighAmount:                    20,
	AlertLimitExceeded:                 40,
	AlertImpossibleTravel:              40,
	AlertHighRiskCountry:               30,
	AlertLocationAnomaly:               30,
	AlertNewDeviceDetected:             15,
	AlertDeviceFingerprintChange:       25,
	AlertTorOrProxyDetected:            35,
	AlertMultipleCardsSameDevice:       50,
	AlertMultipleFailedAttempts:        25,
	AlertSuspiciousSuccessAfterFailure: 35,
	AlertTimeOfDayAnomaly:              10,
	AlertCreditLimitReached:            50,
	AlertExpirationDateApproaching:     10,
}

// Score returns the static weight contributed when this alert triggers.
func (t AlertType) Score() int {
	return alertScores[t]
}

// FraudAlert represents a persisted alert produced by one evaluation
type FraudAlert struct {
	ID            uuid.UUID   `json:"id"`
	TransactionID uuid.UUID   `json:"transaction_id"`
	CardID        uuid.UUID   `json:"card_id"`
	AlertTypes    []AlertType `json:"alert_types"`
	FraudScore    int         `json:"fraud_score"`
	Severity      string      `json:"severity"`    // LOW, MEDIUM, HIGH, CRITICAL
	Probability   int         `json:"probability"` // 0-100
	Description   string      `json:"description"`
	Status        string      `json:"status"` // PENDING, REVIEWED, CONFIRMED, DISMISSED
	CreatedAt     time.Time   `json:"created_at"`
}

// AlertSeverity enum values
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// AlertStatus enum values
const (
	AlertStatusPending   = "PENDING"
	AlertStatusReviewed  = "REVIEWED"
	AlertStatusConfirmed = "CONFIRMED"
	AlertStatusDismissed = "DISMISSED"
)

// CardPattern is the one-to-one behavioral profile of a card, rebuilt after
// every evaluation and cached by card id
type CardPattern struct {
	ID        uuid.UUID      `json:"id"`
	CardID    uuid.UUID      `json:"card_id"`
	Profile   PatternProfile `json:"profile"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PatternProfile holds the statistical, categorical and temporal aggregates
// of a card's full transaction history. Persisted as a JSONB document.
type PatternProfile struct {
	TransactionCount int     `json:"transaction_count"`
	AmountMean       float64 `json:"amount_mean"`
	AmountMax        float64 `json:"amount_max"`
	AmountMedian     float64 `json:"amount_median"`
	AmountQ1         float64 `json:"amount_q1"`
	AmountQ3         float64 `json:"amount_q3"`
	AmountIQR        float64 `json:"amount_iqr"`
	AmountStdDev     float64 `json:"amount_std_dev"`
	AmountP95        float64 `json:"amount_p95"`

	TicketBuckets map[string]int `json:"ticket_buckets"` // micro, small, medium, large

	TopCategories   []CategoryCount `json:"top_categories"` // top 5 by count
	CategoryEntropy float64         `json:"category_entropy"`
	TopMerchants    []MerchantCount `json:"top_merchants"` // top 10 by count

	TopHours     []int   `json:"top_hours"`    // top 3 hour-of-day buckets
	TopWeekdays  []int   `json:"top_weekdays"` // top 3, time.Weekday numbering
	WeekendRatio float64 `json:"weekend_ratio"`

	DailyFrequency      float64 `json:"daily_frequency"`     // mean transactions per active day
	MaxTxPerHour        int     `json:"max_tx_per_hour"`     // max over (date, hour) buckets
	TemporalConsistency float64 `json:"temporal_consistency"` // stddev of hour-of-day
}

// Ticket bucket names
const (
	TicketMicro  = "micro"
	TicketSmall  = "small"
	TicketMedium = "medium"
	TicketLarge  = "large"
)

// CategoryCount represents a merchant category and its frequency
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// MerchantCount represents a merchant and its frequency
type MerchantCount struct {
	Merchant string `json:"merchant"`
	Count    int    `json:"count"`
}

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID         uuid.UUID  `json:"id"`
	EventType  string     `json:"event_type"`
	EntityID   uuid.UUID  `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Action     string     `json:"action"`
	Payload    JSONB      `json:"payload"`
	IPAddress  string     `json:"ip_address"`
	UserAgent  string     `json:"user_agent"`
	RequestID  string     `json:"request_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEventType enum values
const (
	AuditEventEvaluation      = "evaluation"
	AuditEventCardUpdate      = "card_update"
	AuditEventDeviceLink      = "device_link"
	AuditEventAlertReview     = "alert_review"
	AuditEventDatasetReset    = "dataset_reset"
	AuditEventUserLogin       = "user_login"
	AuditEventDecisionCapture = "decision_capture"
)

// PaymentRequested is the message published to the payment request stream
// and drained by the evaluation worker.
type PaymentRequested struct {
	RequestID    string  `json:"request_id"`
	Manual       bool    `json:"manual"`
	SuccessForce bool    `json:"success_force"`
	CardID       string  `json:"card_id,omitempty"`
	DeviceID     string  `json:"device_id,omitempty"`
	Amount       float64 `json:"amount,omitempty"`
	Category     string  `json:"category,omitempty"`
	IPAddress    string  `json:"ip_address,omitempty"`
	Latitude     string  `json:"latitude,omitempty"`
	Longitude    string  `json:"longitude,omitempty"`
	RetryCount   int     `json:"retry_count"`
}

// EvaluationEvent is published after each completed evaluation; the
// analytics tooling and the live alert feed consume it.
type EvaluationEvent struct {
	TransactionID string      `json:"transaction_id"`
	CardID        uuid.UUID   `json:"card_id"`
	Amount        float64     `json:"amount"`
	Decision      string      `json:"decision"`
	FraudScore    int         `json:"fraud_score"`
	Alerts        []AlertType `json:"alerts"`
	Severity      string      `json:"severity,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// DecisionSummary represents aggregated decision statistics for one day
type DecisionSummary struct {
	Date             string       `json:"date"`
	TotalEvaluations int          `json:"total_evaluations"`
	TotalAmount      float64      `json:"total_amount"`
	ApprovedCount    int          `json:"approved_count"`
	ReviewCount      int          `json:"review_count"`
	BlockedCount     int          `json:"blocked_count"`
	AvgFraudScore    float64      `json:"avg_fraud_score"`
	AlertCount       int          `json:"alert_count"`
	TopAlertTypes    []AlertCount `json:"top_alert_types"`
}

// AlertCount represents an alert type and its trigger count
type AlertCount struct {
	AlertType string `json:"alert_type"`
	Count     int    `json:"count"`
}
