package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/fraud-engine/internal/models"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceNotLinked = errors.New("device not linked to card")
)

// DeviceRepository handles device database operations. Cards and devices
// are many-to-many through the card_devices join table.
type DeviceRepository struct {
	db *Database
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *Database) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create creates a new device
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO devices (
			id, fingerprint, device_type, os, browser, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	device.ID = uuid.New()
	now := time.Now()
	device.FirstSeenAt = now
	device.LastSeenAt = now

	_, err := r.db.Pool.Exec(ctx, query,
		device.ID,
		device.Fingerprint,
		device.DeviceType,
		device.OS,
		device.Browser,
		device.FirstSeenAt,
		device.LastSeenAt,
	)

	return err
}

// CreateBatch creates multiple devices in a batch
func (r *DeviceRepository) CreateBatch(ctx context.Context, devices []*models.Device) error {
	if len(devices) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO devices (
			id, fingerprint, device_type, os, browser, first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, device := range devices {
		device.ID = uuid.New()
		now := time.Now()
		device.FirstSeenAt = now
		device.LastSeenAt = now

		batch.Queue(query,
			device.ID,
			device.Fingerprint,
			device.DeviceType,
			device.OS,
			device.Browser,
			device.FirstSeenAt,
			device.LastSeenAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range devices {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a device by ID
func (r *DeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `
		SELECT id, fingerprint, device_type, os, browser, first_seen_at, last_seen_at
		FROM devices
		WHERE id = $1
	`

	device := &models.Device{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.Fingerprint,
		&device.DeviceType,
		&device.OS,
		&device.Browser,
		&device.FirstSeenAt,
		&device.LastSeenAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	return device, nil
}

// GetByCard retrieves every device linked to a card
func (r *DeviceRepository) GetByCard(ctx context.Context, cardID uuid.UUID) ([]*models.Device, error) {
	query := `
		SELECT d.id, d.fingerprint, d.device_type, d.os, d.browser,
			   d.first_seen_at, d.last_seen_at
		FROM devices d
		JOIN card_devices cd ON cd.device_id = d.id
		WHERE cd.card_id = $1
		ORDER BY d.first_seen_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(
			&device.ID,
			&device.Fingerprint,
			&device.DeviceType,
			&device.OS,
			&device.Browser,
			&device.FirstSeenAt,
			&device.LastSeenAt,
		); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// Link associates a device with a card. Linking an existing pair is a no-op.
func (r *DeviceRepository) Link(ctx context.Context, cardID, deviceID uuid.UUID) error {
	query := `
		INSERT INTO card_devices (card_id, device_id, linked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (card_id, device_id) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query, cardID, deviceID, time.Now())
	return err
}

// IsLinked reports whether the device belongs to the card's device set
func (r *DeviceRepository) IsLinked(ctx context.Context, cardID, deviceID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM card_devices WHERE card_id = $1 AND device_id = $2)`

	var linked bool
	err := r.db.Pool.QueryRow(ctx, query, cardID, deviceID).Scan(&linked)
	return linked, err
}

// CountCardsForDevice returns the size of the device's card set
func (r *DeviceRepository) CountCardsForDevice(ctx context.Context, deviceID uuid.UUID) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM card_devices WHERE device_id = $1`, deviceID).Scan(&total)
	return total, err
}

// CountDevicesForCard returns the size of the card's device set. The
// per-card device cap is enforced against this value at the service boundary.
func (r *DeviceRepository) CountDevicesForCard(ctx context.Context, cardID uuid.UUID) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM card_devices WHERE card_id = $1`, cardID).Scan(&total)
	return total, err
}

// UpdateLastSeen bumps the device's last-seen timestamp
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, seenAt)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// DeleteAll removes every device and its card links
func (r *DeviceRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM devices`)
	return err
}
