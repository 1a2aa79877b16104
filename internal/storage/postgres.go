package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/vendo-server/vendo-server-pro/internal/config"
)

// PostgresStore implements Store over PostgreSQL. A zero tx means calls run
// against the pool; BeginTx returns a copy bound to one transaction.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore opens the connection pool and verifies the database is
// reachable
func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	applyPoolSettings(db, cfg)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// applyPoolSettings sizes the connection pool from configuration
func applyPoolSettings(db *sql.DB, cfg config.DatabaseConfig) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a transaction and returns a store bound to it
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// querier is the query surface shared by sql.DB and sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// getDB returns the transaction when bound to one, the pool otherwise
func (s *PostgresStore) getDB() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}
