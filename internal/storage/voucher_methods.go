package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// ========== Voucher Methods ==========

// CreateVoucher creates a voucher
func (s *PostgresStore) CreateVoucher(ctx context.Context, voucher *models.Voucher) error {
	if voucher.ID == uuid.Nil {
		voucher.ID = uuid.New()
	}
	voucher.CreatedAt = time.Now()

	query := `
        INSERT INTO vouchers (id, created_at, code, amount, used_at, used_by)
        VALUES ($1, $2, $3, $4, $5, $6)`

	var usedBy []byte
	if voucher.UsedBy != nil {
		usedBy = voucher.UsedBy[:]
	}

	_, err := s.getDB().ExecContext(ctx, query,
		voucher.ID, voucher.CreatedAt, voucher.Code, voucher.Amount,
		voucher.UsedAt, usedBy,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetVoucherByCode gets a voucher by code
func (s *PostgresStore) GetVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	query := `
        SELECT id, created_at, code, amount, used_at, used_by
        FROM vouchers
        WHERE code = $1`

	voucher := &models.Voucher{}
	var usedBy []byte

	err := s.getDB().QueryRowContext(ctx, query, code).Scan(
		&voucher.ID, &voucher.CreatedAt, &voucher.Code, &voucher.Amount,
		&voucher.UsedAt, &usedBy,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	if usedBy != nil {
		voucher.UsedBy = &models.MAC{}
		copy((*voucher.UsedBy)[:], usedBy)
	}

	return voucher, nil
}

// UpdateVoucher updates a voucher (marks redemption)
func (s *PostgresStore) UpdateVoucher(ctx context.Context, voucher *models.Voucher) error {
	var usedBy []byte
	if voucher.UsedBy != nil {
		usedBy = voucher.UsedBy[:]
	}

	result, err := s.getDB().ExecContext(ctx,
		"UPDATE vouchers SET used_at = $2, used_by = $3 WHERE id = $1",
		voucher.ID, voucher.UsedAt, usedBy,
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

// DeleteVoucher deletes a voucher
func (s *PostgresStore) DeleteVoucher(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM vouchers WHERE id = $1", id)
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

// ListVouchers lists vouchers, optionally including redeemed ones
func (s *PostgresStore) ListVouchers(ctx context.Context, includeUsed bool, limit, offset int) ([]*models.Voucher, int64, error) {
	where := "WHERE used_at IS NULL"
	if includeUsed {
		where = ""
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vouchers "+where,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, created_at, code, amount, used_at, used_by
        FROM vouchers ` + where + `
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var vouchers []*models.Voucher
	for rows.Next() {
		voucher := &models.Voucher{}
		var usedBy []byte

		err := rows.Scan(
			&voucher.ID, &voucher.CreatedAt, &voucher.Code, &voucher.Amount,
			&voucher.UsedAt, &usedBy,
		)
		if err != nil {
			return nil, 0, err
		}

		if usedBy != nil {
			voucher.UsedBy = &models.MAC{}
			copy((*voucher.UsedBy)[:], usedBy)
		}

		vouchers = append(vouchers, voucher)
	}

	return vouchers, count, rows.Err()
}
