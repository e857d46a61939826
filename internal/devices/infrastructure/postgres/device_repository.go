package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	devices "ess-cloud/internal/devices/domain"
)

// DeviceRepository is a Postgres repository for the device registry boundary.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// EnsureExists upserts a placeholder device row so alarm rows referencing
// the id never violate the foreign key, even when the signal arrives before
// provisioning completes.
func (r *DeviceRepository) EnsureExists(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO devices (id, device_sn, created_at)
VALUES ($1, $2, now())
ON CONFLICT (id) DO NOTHING`, id, fmt.Sprintf("SN%04d", id))
	return err
}

// GetBySN resolves a device by serial number.
func (r *DeviceRepository) GetBySN(ctx context.Context, sn string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if sn == "" {
		return nil, errors.New("device repo: empty sn")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_sn, created_at
FROM devices
WHERE device_sn = $1`, sn)

	var device devices.Device
	if err := row.Scan(&device.ID, &device.SN, &device.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, devices.ErrNotFound
		}
		return nil, err
	}
	device.CreatedAt = device.CreatedAt.UTC()
	return &device, nil
}
