// Package store provides storage backends for PostPipe.
//
// It implements the persistent dedupe store: the single source of truth for
// whether a product identifier has already been attempted, across runs and
// across concurrent workers.
package store

import "time"

// Product record statuses. A row's existence, regardless of status, means the
// identifier must not be attempted again automatically. Only failed rows are
// clearable through ClearFailed.
const (
	StatusClaimed   = "claimed"
	StatusDrafted   = "drafted"
	StatusPublished = "published"
	StatusDryRun    = "dry_run"
	StatusFailed    = "failed"
)

// ProductRecord is one row of the dedupe store, keyed by the canonical
// lower-cased product identifier.
type ProductRecord struct {
	ProductID    string    `json:"product_id"`
	Status       string    `json:"status"`
	RemotePostID int64     `json:"remote_post_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KnownProduct pairs an extracted identifier with the remote post it was found
// on. Used by the reconciliation sync to backfill the store in bulk.
type KnownProduct struct {
	ProductID    string
	RemotePostID int64
}

// ProductStats holds aggregate row counts for operator visibility.
type ProductStats struct {
	Total     int64
	Claimed   int64
	Drafted   int64
	Published int64
	DryRun    int64
	Failed    int64
}

// ProductRepo defines the interface for the persistent dedupe store.
//
// Storage I/O failures are fatal to the current operation and must propagate:
// treating a store failure as "not a duplicate" would break the at-most-once
// guarantee.
type ProductRepo interface {
	// Exists reports whether any row exists for the identifier, irrespective
	// of status. Safe to call concurrently with claims for the same key.
	Exists(productID string) (bool, error)

	// TryClaim atomically inserts a claimed row if and only if no row exists
	// for the identifier. Returns whether the claim succeeded. Of two
	// concurrent callers for the same identifier, exactly one wins.
	TryClaim(productID string) (bool, error)

	// CommitSuccess moves the row to a terminal success-like status (drafted,
	// published or dry_run), clearing any error. remotePostID 0 means no
	// remote post exists (dry runs).
	CommitSuccess(productID string, remotePostID int64, status string) error

	// CommitFailure moves the row to failed with the given diagnostic,
	// clearing any remote post reference.
	CommitFailure(productID, errorMessage string) error

	// ClearFailed deletes all failed rows, returning the count removed. This
	// is the only sanctioned way to make an attempted identifier claimable
	// again.
	ClearFailed() (int64, error)

	// Stats returns aggregate counts by status.
	Stats() (ProductStats, error)

	// GetMeta returns the value for a meta key, or "" if the key is absent.
	GetMeta(key string) (string, error)

	// SetMeta stores a meta key/value pair, replacing any previous value.
	SetMeta(key, value string) error

	// BulkUpsert inserts many identifier rows with the given status in one
	// round trip, skipping identifiers that are already known. Returns the
	// number of rows actually inserted. Idempotent.
	BulkUpsert(entries []KnownProduct, status string) (int64, error)

	// ListStaleClaims returns claimed rows whose last transition is older
	// than before. These are claims whose owning process likely crashed
	// before committing a terminal state.
	ListStaleClaims(before time.Time) ([]ProductRecord, error)

	// ClearStaleClaims deletes claimed rows older than before, making those
	// identifiers claimable again. Manual remediation only; there is no
	// automatic TTL release.
	ClearStaleClaims(before time.Time) (int64, error)
}
