package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vendo-server/vendo-server-pro/internal/models"
	"github.com/vendo-server/vendo-server-pro/pkg/crypto"
)

// ========== User Methods ==========

// CreateUser creates a new user. If Settings carries a "password" entry it
// is hashed into PasswordHash and removed.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	if pw, ok := user.Settings["password"].(string); ok && pw != "" {
		hash, err := crypto.HashPassword(pw)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		delete(user.Settings, "password")
	}

	query := `
        INSERT INTO users (
            id, created_at, updated_at, email, username, password_hash,
            is_admin, is_active, last_login_at, settings
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.CreatedAt, user.UpdatedAt, user.Email, user.Username,
		user.PasswordHash, user.IsAdmin, user.IsActive, user.LastLoginAt,
		user.Settings,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetUserByEmail gets a user by email
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
        SELECT id, created_at, updated_at, email, username, password_hash,
               is_admin, is_active, last_login_at, settings
        FROM users
        WHERE email = $1`

	user := &models.User{}

	err := s.getDB().QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Email, &user.Username,
		&user.PasswordHash, &user.IsAdmin, &user.IsActive, &user.LastLoginAt,
		&user.Settings,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return user, nil
}

// UpdateUser updates a user
func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()

	query := `
        UPDATE users SET
            updated_at = $2, email = $3, username = $4, password_hash = $5,
            is_admin = $6, is_active = $7, last_login_at = $8, settings = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.UpdatedAt, user.Email, user.Username, user.PasswordHash,
		user.IsAdmin, user.IsActive, user.LastLoginAt, user.Settings,
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
