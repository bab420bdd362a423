// Package store provides storage backends for PostPipe.
//
// This file implements the PostgreSQL-backed dedupe store, for deployments
// where several operator hosts share one database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements ProductRepo.
var _ ProductRepo = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Exists(productID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM product_records WHERE product_id = $1`, productID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe check failed for %s: %w", productID, err)
	}
	return true, nil
}

func (s *PostgresStore) TryClaim(productID string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT INTO product_records (product_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (product_id) DO NOTHING`,
		productID, StatusClaimed, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim failed for %s: %w", productID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed for %s: %w", productID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CommitSuccess(productID string, remotePostID int64, status string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO product_records (product_id, status, remote_post_id, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, NULL, $4, $5)
		 ON CONFLICT (product_id) DO UPDATE SET
		   status = excluded.status,
		   remote_post_id = excluded.remote_post_id,
		   error_message = NULL,
		   updated_at = excluded.updated_at`,
		productID, status, nilIfZero(remotePostID), now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.CommitSuccess failed", "error", err, "productID", productID)
		return fmt.Errorf("commit success failed for %s: %w", productID, err)
	}
	slog.Info("PostgresStore.CommitSuccess", "productID", productID, "status", status, "remotePostID", remotePostID)
	return nil
}

func (s *PostgresStore) CommitFailure(productID, errorMessage string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO product_records (product_id, status, remote_post_id, error_message, created_at, updated_at)
		 VALUES ($1, $2, NULL, $3, $4, $5)
		 ON CONFLICT (product_id) DO UPDATE SET
		   status = excluded.status,
		   remote_post_id = NULL,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`,
		productID, StatusFailed, errorMessage, now, now,
	)
	if err != nil {
		slog.Error("PostgresStore.CommitFailure failed", "error", err, "productID", productID)
		return fmt.Errorf("commit failure failed for %s: %w", productID, err)
	}
	slog.Warn("PostgresStore.CommitFailure", "productID", productID, "errorMessage", errorMessage)
	return nil
}

func (s *PostgresStore) ClearFailed() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM product_records WHERE status = $1`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed rows failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear failed rows affected check failed: %w", err)
	}
	slog.Info("PostgresStore.ClearFailed", "count", n)
	return n, nil
}

func (s *PostgresStore) Stats() (ProductStats, error) {
	var st ProductStats
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'claimed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'drafted' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'published' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dry_run' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM product_records`,
	).Scan(&st.Total, &st.Claimed, &st.Drafted, &st.Published, &st.DryRun, &st.Failed)
	if err != nil {
		return ProductStats{}, fmt.Errorf("stats query failed: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta failed for %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO store_meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta failed for %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) BulkUpsert(entries []KnownProduct, status string) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("bulk upsert begin failed: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO product_records (product_id, status, remote_post_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (product_id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk upsert prepare failed: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	var inserted int64
	for _, e := range entries {
		result, err := stmt.Exec(e.ProductID, status, nilIfZero(e.RemotePostID), now, now)
		if err != nil {
			return 0, fmt.Errorf("bulk upsert insert failed for %s: %w", e.ProductID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("bulk upsert rows affected check failed for %s: %w", e.ProductID, err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("bulk upsert commit failed: %w", err)
	}
	slog.Info("PostgresStore.BulkUpsert", "entries", len(entries), "inserted", inserted, "status", status)
	return inserted, nil
}

func (s *PostgresStore) ListStaleClaims(before time.Time) ([]ProductRecord, error) {
	rows, err := s.db.Query(
		`SELECT product_id, status, remote_post_id, error_message, created_at, updated_at
		 FROM product_records WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		StatusClaimed, before,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale claims failed: %w", err)
	}
	defer rows.Close()
	return scanProductRecords(rows)
}

func (s *PostgresStore) ClearStaleClaims(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM product_records WHERE status = $1 AND updated_at < $2`,
		StatusClaimed, before,
	)
	if err != nil {
		return 0, fmt.Errorf("clear stale claims failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear stale claims rows affected check failed: %w", err)
	}
	slog.Info("PostgresStore.ClearStaleClaims", "before", before, "count", n)
	return n, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
