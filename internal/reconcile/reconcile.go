// Package reconcile keeps the local dedupe store consistent with the remote
// publishing platform.
//
// The remote site is the system of record: posts can be created or edited
// there by other operators, earlier runs with since-lost local state, or by
// hand. The syncer walks the remote post listing, extracts product
// identifiers, and backfills them into the store so every published product
// is recognized as a duplicate regardless of how it got there.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PostPipe/internal/extract"
	"github.com/BTreeMap/PostPipe/internal/store"
	"github.com/BTreeMap/PostPipe/internal/wordpress"
)

// MetaLastSyncAt is the store meta key holding the cursor of the last
// successful walk, in RFC3339.
const MetaLastSyncAt = "last_sync_at"

// Default sync configuration constants
const (
	// DefaultOverlap re-includes posts modified shortly before the cursor, to
	// tolerate clock skew and late-visible edits at the window boundary.
	DefaultOverlap = 6 * time.Hour
	// DefaultPageSize is the listing page size
	DefaultPageSize = 100
	// DefaultMaxPages bounds one sync pass
	DefaultMaxPages = 10

	// walkFields limits the listing payload to what extraction needs.
	walkFields = "id,slug,title,excerpt,content,meta,modified"
)

// PostSource lists remote posts page by page.
type PostSource interface {
	WalkPosts(ctx context.Context, opts wordpress.WalkOptions, fn func(wordpress.RemotePost) error) error
}

// Result summarizes one sync pass.
type Result struct {
	Scanned     int
	Extracted   int
	SkippedNoID int
	Inserted    int64
	Full        bool
}

// Syncer walks the remote post listing and merges discovered identifiers
// into the dedupe store.
type Syncer struct {
	store    store.ProductRepo
	posts    PostSource
	overlap  time.Duration
	pageSize int
	maxPages int
	now      func() time.Time
}

// NewSyncer creates a syncer with default overlap and paging bounds.
func NewSyncer(repo store.ProductRepo, posts PostSource) *Syncer {
	return &Syncer{
		store:    repo,
		posts:    posts,
		overlap:  DefaultOverlap,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
		now:      time.Now,
	}
}

// SetOverlap overrides the incremental overlap window.
func (s *Syncer) SetOverlap(d time.Duration) {
	if d > 0 {
		s.overlap = d
	}
}

// SetPaging overrides the walk's page size and page ceiling.
func (s *Syncer) SetPaging(pageSize, maxPages int) {
	if pageSize > 0 {
		s.pageSize = pageSize
	}
	if maxPages > 0 {
		s.maxPages = maxPages
	}
}

// Run performs one sync pass. With full set, or when no cursor exists, the
// whole listing is walked; otherwise only posts modified since the cursor
// minus the overlap window. The cursor advances only after a fully
// successful walk, so a failed pass retries the same window next time.
func (s *Syncer) Run(ctx context.Context, full bool) (Result, error) {
	var result Result
	startedAt := s.now()

	var modifiedAfter time.Time
	if !full {
		cursor, err := s.store.GetMeta(MetaLastSyncAt)
		if err != nil {
			return result, fmt.Errorf("read sync cursor failed: %w", err)
		}
		if cursor == "" {
			full = true
		} else {
			last, err := time.Parse(time.RFC3339, cursor)
			if err != nil {
				slog.Warn("sync: unparsable cursor, falling back to full walk", "cursor", cursor, "error", err)
				full = true
			} else {
				modifiedAfter = last.Add(-s.overlap)
			}
		}
	}
	result.Full = full
	slog.Info("sync: starting", "full", full, "modifiedAfter", modifiedAfter)

	// First occurrence of an identifier wins within one pass.
	seen := make(map[string]int64)
	var order []string
	err := s.posts.WalkPosts(ctx, wordpress.WalkOptions{
		Status:        "any",
		PerPage:       s.pageSize,
		MaxPages:      s.maxPages,
		ModifiedAfter: modifiedAfter,
		Fields:        walkFields,
	}, func(p wordpress.RemotePost) error {
		result.Scanned++
		id, ok := extract.ProductID(p.ExtractPost())
		if !ok {
			result.SkippedNoID++
			slog.Debug("sync: no identifier extracted, skipping", "postID", p.ID, "slug", p.Slug)
			return nil
		}
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = p.ID
		order = append(order, id)
		return nil
	})
	if err != nil {
		// Cursor intentionally not advanced: the next run retries this window.
		return result, fmt.Errorf("sync walk failed: %w", err)
	}
	result.Extracted = len(order)

	entries := make([]store.KnownProduct, 0, len(order))
	for _, id := range order {
		entries = append(entries, store.KnownProduct{ProductID: id, RemotePostID: seen[id]})
	}
	inserted, err := s.store.BulkUpsert(entries, store.StatusPublished)
	if err != nil {
		return result, fmt.Errorf("sync backfill failed: %w", err)
	}
	result.Inserted = inserted

	// The cursor is set to the walk's start time: anything modified while the
	// walk ran falls inside the next run's overlap window.
	if err := s.store.SetMeta(MetaLastSyncAt, startedAt.Format(time.RFC3339)); err != nil {
		return result, fmt.Errorf("advance sync cursor failed: %w", err)
	}

	slog.Info("sync: completed",
		"scanned", result.Scanned,
		"extracted", result.Extracted,
		"skippedNoID", result.SkippedNoID,
		"inserted", result.Inserted,
		"full", result.Full)
	return result, nil
}
