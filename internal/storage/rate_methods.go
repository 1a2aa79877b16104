package storage

import (
	"context"
	"fmt"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// ========== Main Controller Rate Table ==========

// GetMainRates returns the main controller rate table ordered by amount
func (s *PostgresStore) GetMainRates(ctx context.Context) (models.RateTable, error) {
	query := `
        SELECT amount, minutes, download_limit, upload_limit
        FROM main_rates
        ORDER BY amount ASC`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var table models.RateTable
	for rows.Next() {
		var e models.RateEntry
		if err := rows.Scan(&e.Amount, &e.Minutes, &e.DownloadLimit, &e.UploadLimit); err != nil {
			return nil, err
		}
		table = append(table, e)
	}

	return table, rows.Err()
}

// ReplaceMainRates replaces the whole main rate table in one transaction
func (s *PostgresStore) ReplaceMainRates(ctx context.Context, rates models.RateTable) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pgtx := tx.(*PostgresStore)

	if _, err := pgtx.getDB().ExecContext(ctx, "DELETE FROM main_rates"); err != nil {
		return fmt.Errorf("clear main rates: %w", err)
	}

	query := `
        INSERT INTO main_rates (amount, minutes, download_limit, upload_limit)
        VALUES ($1, $2, $3, $4)`

	for _, e := range rates.Normalize() {
		if _, err := pgtx.getDB().ExecContext(ctx, query,
			e.Amount, e.Minutes, e.DownloadLimit, e.UploadLimit,
		); err != nil {
			return fmt.Errorf("insert rate %d: %w", e.Amount, err)
		}
	}

	return tx.Commit()
}
