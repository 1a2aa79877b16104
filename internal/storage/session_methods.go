package storage

import (
	"context"
	"database/sql"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// ========== Session Methods ==========

// SaveSession upserts a session row keyed by MAC
func (s *PostgresStore) SaveSession(ctx context.Context, session *models.ClientSession) error {
	query := `
        INSERT INTO sessions (
            mac, ip, state, remaining_seconds, total_paid,
            download_limit, upload_limit, limit_override,
            custom_name, hostname, created_at, last_credit_at, paused_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        )
        ON CONFLICT (mac) DO UPDATE SET
            ip = EXCLUDED.ip,
            state = EXCLUDED.state,
            remaining_seconds = EXCLUDED.remaining_seconds,
            total_paid = EXCLUDED.total_paid,
            download_limit = EXCLUDED.download_limit,
            upload_limit = EXCLUDED.upload_limit,
            limit_override = EXCLUDED.limit_override,
            custom_name = EXCLUDED.custom_name,
            hostname = EXCLUDED.hostname,
            last_credit_at = EXCLUDED.last_credit_at,
            paused_at = EXCLUDED.paused_at`

	_, err := s.getDB().ExecContext(ctx, query,
		session.MAC[:], session.IP, session.State, session.RemainingSeconds,
		session.TotalPaid, session.DownloadLimit, session.UploadLimit,
		session.LimitOverride, session.CustomName, session.Hostname,
		session.CreatedAt, session.LastCreditAt, session.PausedAt,
	)

	return err
}

// GetSession gets a session by MAC
func (s *PostgresStore) GetSession(ctx context.Context, mac models.MAC) (*models.ClientSession, error) {
	query := `
        SELECT mac, ip, state, remaining_seconds, total_paid,
               download_limit, upload_limit, limit_override,
               custom_name, hostname, created_at, last_credit_at, paused_at
        FROM sessions
        WHERE mac = $1`

	session := &models.ClientSession{}
	var macBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, mac[:]).Scan(
		&macBytes, &session.IP, &session.State, &session.RemainingSeconds,
		&session.TotalPaid, &session.DownloadLimit, &session.UploadLimit,
		&session.LimitOverride, &session.CustomName, &session.Hostname,
		&session.CreatedAt, &session.LastCreditAt, &session.PausedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	copy(session.MAC[:], macBytes)

	return session, nil
}

// DeleteSession deletes a session row
func (s *PostgresStore) DeleteSession(ctx context.Context, mac models.MAC) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM sessions WHERE mac = $1", mac[:])
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

// ListSessions lists all persisted sessions
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.ClientSession, error) {
	query := `
        SELECT mac, ip, state, remaining_seconds, total_paid,
               download_limit, upload_limit, limit_override,
               custom_name, hostname, created_at, last_credit_at, paused_at
        FROM sessions
        ORDER BY created_at DESC`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.ClientSession
	for rows.Next() {
		session := &models.ClientSession{}
		var macBytes []byte

		err := rows.Scan(
			&macBytes, &session.IP, &session.State, &session.RemainingSeconds,
			&session.TotalPaid, &session.DownloadLimit, &session.UploadLimit,
			&session.LimitOverride, &session.CustomName, &session.Hostname,
			&session.CreatedAt, &session.LastCreditAt, &session.PausedAt,
		)
		if err != nil {
			return nil, err
		}

		copy(session.MAC[:], macBytes)
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}
