package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// ========== Sub-Vendo Device Methods ==========

// CreateDevice creates a new sub-vendo device record
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.SubVendoDevice) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            id, created_at, updated_at, mac_address, ip_address,
            name, vlan_id, status, rates, total_pulses, total_revenue, last_seen_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.MACAddress[:],
		device.IPAddress, device.Name, device.VLANID, device.Status,
		device.Rates, device.TotalPulses, device.TotalRevenue, device.LastSeenAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.SubVendoDevice, error) {
	return s.getDevice(ctx, "id = $1", id)
}

// GetDeviceByMAC gets a device by hardware address
func (s *PostgresStore) GetDeviceByMAC(ctx context.Context, mac models.MAC) (*models.SubVendoDevice, error) {
	return s.getDevice(ctx, "mac_address = $1", mac[:])
}

func (s *PostgresStore) getDevice(ctx context.Context, where string, arg interface{}) (*models.SubVendoDevice, error) {
	query := `
        SELECT id, created_at, updated_at, mac_address, ip_address,
               name, vlan_id, status, rates, total_pulses, total_revenue, last_seen_at
        FROM devices
        WHERE ` + where

	device := &models.SubVendoDevice{}
	var macBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, arg).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &macBytes,
		&device.IPAddress, &device.Name, &device.VLANID, &device.Status,
		&device.Rates, &device.TotalPulses, &device.TotalRevenue, &device.LastSeenAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	copy(device.MACAddress[:], macBytes)

	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.SubVendoDevice) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, ip_address = $3, name = $4, vlan_id = $5,
            status = $6, rates = $7, total_pulses = $8, total_revenue = $9,
            last_seen_at = $10
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.IPAddress, device.Name,
		device.VLANID, device.Status, device.Rates, device.TotalPulses,
		device.TotalRevenue, device.LastSeenAt,
	)

	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists all devices
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*models.SubVendoDevice, error) {
	query := `
        SELECT id, created_at, updated_at, mac_address, ip_address,
               name, vlan_id, status, rates, total_pulses, total_revenue, last_seen_at
        FROM devices
        ORDER BY created_at DESC`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.SubVendoDevice
	for rows.Next() {
		device := &models.SubVendoDevice{}
		var macBytes []byte

		err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &macBytes,
			&device.IPAddress, &device.Name, &device.VLANID, &device.Status,
			&device.Rates, &device.TotalPulses, &device.TotalRevenue, &device.LastSeenAt,
		)
		if err != nil {
			return nil, err
		}

		copy(device.MACAddress[:], macBytes)
		devices = append(devices, device)
	}

	return devices, rows.Err()
}
