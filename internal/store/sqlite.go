// Package store provides storage backends for PostPipe.
//
// This file implements the SQLite-backed dedupe store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements ProductRepo.
var _ ProductRepo = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes concurrent claims from worker goroutines
	// against the file without SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Exists(productID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM product_records WHERE product_id = ?`, productID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe check failed for %s: %w", productID, err)
	}
	slog.Debug("SQLiteStore.Exists: duplicate detected", "productID", productID)
	return true, nil
}

// TryClaim relies on the primary key constraint: the INSERT OR IGNORE either
// creates the claimed row or touches nothing, and RowsAffected tells which.
func (s *SQLiteStore) TryClaim(productID string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO product_records (product_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		productID, StatusClaimed, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim failed for %s: %w", productID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed for %s: %w", productID, err)
	}
	slog.Debug("SQLiteStore.TryClaim", "productID", productID, "claimed", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) CommitSuccess(productID string, remotePostID int64, status string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO product_records (product_id, status, remote_post_id, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET
		   status = excluded.status,
		   remote_post_id = excluded.remote_post_id,
		   error_message = NULL,
		   updated_at = excluded.updated_at`,
		productID, status, nilIfZero(remotePostID), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CommitSuccess failed", "error", err, "productID", productID)
		return fmt.Errorf("commit success failed for %s: %w", productID, err)
	}
	slog.Info("SQLiteStore.CommitSuccess", "productID", productID, "status", status, "remotePostID", remotePostID)
	return nil
}

func (s *SQLiteStore) CommitFailure(productID, errorMessage string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO product_records (product_id, status, remote_post_id, error_message, created_at, updated_at)
		 VALUES (?, ?, NULL, ?, ?, ?)
		 ON CONFLICT(product_id) DO UPDATE SET
		   status = excluded.status,
		   remote_post_id = NULL,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`,
		productID, StatusFailed, errorMessage, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CommitFailure failed", "error", err, "productID", productID)
		return fmt.Errorf("commit failure failed for %s: %w", productID, err)
	}
	slog.Warn("SQLiteStore.CommitFailure", "productID", productID, "errorMessage", errorMessage)
	return nil
}

func (s *SQLiteStore) ClearFailed() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM product_records WHERE status = ?`, StatusFailed)
	if err != nil {
		slog.Error("SQLiteStore.ClearFailed failed", "error", err)
		return 0, fmt.Errorf("clear failed rows failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear failed rows affected check failed: %w", err)
	}
	slog.Info("SQLiteStore.ClearFailed", "count", n)
	return n, nil
}

func (s *SQLiteStore) Stats() (ProductStats, error) {
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
		slog.Error("SQLiteStore.Stats failed", "error", err)
		return ProductStats{}, fmt.Errorf("stats query failed: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta failed for %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO store_meta (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		slog.Error("SQLiteStore.SetMeta failed", "error", err, "key", key)
		return fmt.Errorf("set meta failed for %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) BulkUpsert(entries []KnownProduct, status string) (int64, error) {
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
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(product_id) DO NOTHING`,
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
	slog.Info("SQLiteStore.BulkUpsert", "entries", len(entries), "inserted", inserted, "status", status)
	return inserted, nil
}

func (s *SQLiteStore) ListStaleClaims(before time.Time) ([]ProductRecord, error) {
	rows, err := s.db.Query(
		`SELECT product_id, status, remote_post_id, error_message, created_at, updated_at
		 FROM product_records WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		StatusClaimed, before,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale claims failed: %w", err)
	}
	defer rows.Close()
	return scanProductRecords(rows)
}

func (s *SQLiteStore) ClearStaleClaims(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM product_records WHERE status = ? AND updated_at < ?`,
		StatusClaimed, before,
	)
	if err != nil {
		return 0, fmt.Errorf("clear stale claims failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear stale claims rows affected check failed: %w", err)
	}
	slog.Info("SQLiteStore.ClearStaleClaims", "before", before, "count", n)
	return n, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
