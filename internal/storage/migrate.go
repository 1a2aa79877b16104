package storage

import (
	"context"
	"fmt"
)

// schema holds the table definitions, applied in order
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		mac BYTEA PRIMARY KEY,
		ip TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		remaining_seconds BIGINT NOT NULL DEFAULT 0,
		total_paid BIGINT NOT NULL DEFAULT 0,
		download_limit INT NOT NULL DEFAULT 0,
		upload_limit INT NOT NULL DEFAULT 0,
		limit_override BOOLEAN NOT NULL DEFAULT FALSE,
		custom_name TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_credit_at TIMESTAMPTZ,
		paused_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		mac_address BYTEA NOT NULL UNIQUE,
		ip_address TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		vlan_id INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		rates JSONB NOT NULL DEFAULT '[]',
		total_pulses BIGINT NOT NULL DEFAULT 0,
		total_revenue BIGINT NOT NULL DEFAULT 0,
		last_seen_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS main_rates (
		amount BIGINT PRIMARY KEY,
		minutes INT NOT NULL,
		download_limit INT NOT NULL DEFAULT 0,
		upload_limit INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS vouchers (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		code TEXT NOT NULL UNIQUE,
		amount BIGINT NOT NULL,
		used_at TIMESTAMPTZ,
		used_by BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		email TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login_at TIMESTAMPTZ,
		settings JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		mac BYTEA,
		device_id UUID,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		details JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_created_at ON event_logs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_event_logs_mac ON event_logs (mac)`,
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.getDB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
