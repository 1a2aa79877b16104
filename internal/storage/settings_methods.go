package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

const bandwidthDefaultsKey = "bandwidth_defaults"

// ========== Settings Methods ==========

// GetSetting reads a raw key-value setting
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.getDB().QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = $1", key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}

	if err != nil {
		return "", err
	}

	return value, nil
}

// SetSetting upserts a raw key-value setting
func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
        INSERT INTO settings (key, value) VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

	_, err := s.getDB().ExecContext(ctx, query, key, value)
	return err
}

// GetBandwidthDefaults reads the global bandwidth fallback record. A missing
// record means no caps.
func (s *PostgresStore) GetBandwidthDefaults(ctx context.Context) (*models.BandwidthDefaults, error) {
	value, err := s.GetSetting(ctx, bandwidthDefaultsKey)
	if errors.Is(err, ErrNotFound) {
		return &models.BandwidthDefaults{}, nil
	}
	if err != nil {
		return nil, err
	}

	defaults := &models.BandwidthDefaults{}
	if err := json.Unmarshal([]byte(value), defaults); err != nil {
		return nil, ErrInvalidData
	}

	return defaults, nil
}

// SaveBandwidthDefaults writes the global bandwidth fallback record
func (s *PostgresStore) SaveBandwidthDefaults(ctx context.Context, defaults *models.BandwidthDefaults) error {
	data, err := json.Marshal(defaults)
	if err != nil {
		return err
	}
	return s.SetSetting(ctx, bandwidthDefaultsKey, string(data))
}
