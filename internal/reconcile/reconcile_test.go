package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/PostPipe/internal/store"
	"github.com/BTreeMap/PostPipe/internal/wordpress"
)

type fakePostSource struct {
	posts   []wordpress.RemotePost
	err     error
	walks   int
	lastOpt wordpress.WalkOptions
}

func (f *fakePostSource) WalkPosts(ctx context.Context, opts wordpress.WalkOptions, fn func(wordpress.RemotePost) error) error {
	f.walks++
	f.lastOpt = opts
	for _, p := range f.posts {
		if err := fn(p); err != nil {
			return err
		}
	}
	return f.err
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithDSN(filepath.Join(t.TempDir(), "sync_test.db")))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func metaPost(id int64, productID string) wordpress.RemotePost {
	return wordpress.RemotePost{ID: id, Meta: wordpress.PostMeta{wordpress.MetaProductID: productID}}
}

func TestRunBackfillsExtractedIdentifiers(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{posts: []wordpress.RemotePost{
		metaPost(1, "ipx-1"),
		{ID: 2, Slug: "actress-sspd-200"},
		{ID: 3, Slug: "weekly-digest", Title: wordpress.Rendered{Rendered: "no code here"}},
	}}
	syncer := NewSyncer(repo, source)

	result, err := syncer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Scanned != 3 || result.Extracted != 2 || result.SkippedNoID != 1 || result.Inserted != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if !result.Full {
		t.Error("first sync without cursor should be a full walk")
	}
	for _, pid := range []string{"ipx-1", "sspd-200"} {
		exists, err := repo.Exists(pid)
		if err != nil {
			t.Fatalf("exists failed: %v", err)
		}
		if !exists {
			t.Errorf("%s should be known after sync", pid)
		}
	}
}

func TestRunIdempotent(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{posts: []wordpress.RemotePost{
		metaPost(1, "ipx-1"),
		metaPost(2, "ipx-2"),
	}}
	syncer := NewSyncer(repo, source)

	if _, err := syncer.Run(context.Background(), false); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	result, err := syncer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result.Inserted != 0 {
		t.Errorf("second sync should insert nothing, inserted %d", result.Inserted)
	}
	st, _ := repo.Stats()
	if st.Total != 2 {
		t.Errorf("expected 2 rows, got %d", st.Total)
	}
}

func TestRunFirstOccurrenceWins(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{posts: []wordpress.RemotePost{
		metaPost(10, "ipx-1"),
		metaPost(20, "ipx-1"),
	}}
	syncer := NewSyncer(repo, source)

	result, err := syncer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Extracted != 1 || result.Inserted != 1 {
		t.Errorf("duplicate identifiers within a pass should collapse: %+v", result)
	}
}

func TestRunIncrementalWindowWithOverlap(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{}
	syncer := NewSyncer(repo, source)
	syncer.SetOverlap(6 * time.Hour)

	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	syncer.now = func() time.Time { return t0 }

	if _, err := syncer.Run(context.Background(), false); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}

	// Second run: the filter must be cursor minus overlap.
	syncer.now = func() time.Time { return t0.Add(time.Hour) }
	result, err := syncer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result.Full {
		t.Error("second sync should be incremental")
	}
	want := t0.Add(-6 * time.Hour)
	if !source.lastOpt.ModifiedAfter.Equal(want) {
		t.Errorf("expected modifiedAfter %v, got %v", want, source.lastOpt.ModifiedAfter)
	}

	// A post modified 5h before the cursor falls inside the overlap and
	// upserts without duplicating an already-known identifier.
	repo.BulkUpsert([]store.KnownProduct{{ProductID: "ipx-9", RemotePostID: 9}}, store.StatusPublished)
	source.posts = []wordpress.RemotePost{metaPost(9, "ipx-9")}
	result, err = syncer.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("third sync failed: %v", err)
	}
	if result.Extracted != 1 || result.Inserted != 0 {
		t.Errorf("overlap re-scan should be a no-op upsert: %+v", result)
	}
	st, _ := repo.Stats()
	if st.Total != 1 {
		t.Errorf("expected 1 row, got %d", st.Total)
	}
}

func TestRunFullResyncIgnoresCursor(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{}
	syncer := NewSyncer(repo, source)

	if _, err := syncer.Run(context.Background(), false); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	result, err := syncer.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("full resync failed: %v", err)
	}
	if !result.Full {
		t.Error("forced resync should be a full walk")
	}
	if !source.lastOpt.ModifiedAfter.IsZero() {
		t.Errorf("full walk must carry no time filter, got %v", source.lastOpt.ModifiedAfter)
	}
}

func TestRunWalkErrorDoesNotAdvanceCursor(t *testing.T) {
	repo := newTestStore(t)
	source := &fakePostSource{err: errors.New("page fetch failed")}
	syncer := NewSyncer(repo, source)

	if _, err := syncer.Run(context.Background(), false); err == nil {
		t.Fatal("expected walk error to propagate")
	}
	cursor, err := repo.GetMeta(MetaLastSyncAt)
	if err != nil {
		t.Fatalf("get meta failed: %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor must not advance after a failed walk, got %q", cursor)
	}
}
