package wordpress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCreatePostSendsMetaAndAuth(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/posts" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("missing Authorization header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 321, "slug": "actress-ipx-123", "link": "https://site.example/?p=321"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "app-pass")
	created, err := c.CreatePost(context.Background(), NewPost{
		Title:     "Some Title",
		Content:   "<p>body</p>",
		Status:    "draft",
		Slug:      "actress-ipx-123",
		ProductID: "ipx-123",
	})
	if err != nil {
		t.Fatalf("create post failed: %v", err)
	}
	if created.ID != 321 {
		t.Errorf("expected id 321, got %d", created.ID)
	}
	meta, ok := got["meta"].(map[string]any)
	if !ok || meta[MetaProductID] != "ipx-123" {
		t.Errorf("product id meta not sent: %v", got["meta"])
	}
	if got["status"] != "draft" {
		t.Errorf("unexpected status: %v", got["status"])
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 1}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	_, err := c.CreatePost(context.Background(), NewPost{Title: "t", Status: "draft"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestServerErrorRetriesExhaust(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	_, err := c.CreatePost(context.Background(), NewPost{Title: "t", Status: "draft"})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	// Initial attempt plus DefaultMaxRetries retries.
	if calls.Load() != DefaultMaxRetries+1 {
		t.Errorf("expected %d calls, got %d", DefaultMaxRetries+1, calls.Load())
	}
}

func TestWalkPostsPagination(t *testing.T) {
	pages := map[string][]RemotePost{
		"1": {{ID: 1, Slug: "a-ipx-1"}, {ID: 2, Slug: "b-ipx-2"}},
		"2": {{ID: 3, Slug: "c-ipx-3"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		posts, ok := pages[page]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("X-WP-TotalPages", "2")
		json.NewEncoder(w).Encode(posts)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	var ids []int64
	err := c.WalkPosts(context.Background(), WalkOptions{PerPage: 2, MaxPages: 10}, func(p RemotePost) error {
		ids = append(ids, p.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestWalkPostsStopsOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.Header().Set("X-WP-TotalPages", "99")
			fmt.Fprint(w, `[{"id": 1, "slug": "x-ipx-1"}]`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	count := 0
	err := c.WalkPosts(context.Background(), WalkOptions{PerPage: 1, MaxPages: 10}, func(p RemotePost) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 post, got %d", count)
	}
}

func TestWalkPostsEditContextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("context") == "edit" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Query().Get("page") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `[{"id": 7, "slug": "y-ipx-7", "title": {"rendered": "Y IPX-7"}}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	var seen []RemotePost
	err := c.WalkPosts(context.Background(), WalkOptions{MaxPages: 3}, func(p RemotePost) error {
		seen = append(seen, p)
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if len(seen) != 1 || seen[0].Title.Rendered != "Y IPX-7" {
		t.Errorf("unexpected posts: %+v", seen)
	}
}

func TestPostExistsByProductID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 10, "slug": "other-post", "meta": {"fanza_product_id": "IPX-123"}}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	exists, err := c.PostExistsByProductID(context.Background(), "ipx-123")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !exists {
		t.Error("expected duplicate found by meta")
	}

	exists, err = c.PostExistsByProductID(context.Background(), "sspd-999")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if exists {
		t.Error("expected no duplicate")
	}
}

func TestGetOrCreateTagCaches(t *testing.T) {
	var searches, creates atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			searches.Add(1)
			fmt.Fprint(w, `[]`)
		case http.MethodPost:
			n := creates.Add(1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"id": %d, "name": "tag"}`, 100+n)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "admin", "pass")
	id1, err := c.GetOrCreateTag(context.Background(), "actress name")
	if err != nil {
		t.Fatalf("first tag failed: %v", err)
	}
	id2, err := c.GetOrCreateTag(context.Background(), "actress name")
	if err != nil {
		t.Fatalf("second tag failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("cache miss: %d != %d", id1, id2)
	}
	if creates.Load() != 1 {
		t.Errorf("expected 1 create, got %d", creates.Load())
	}
	if searches.Load() != 1 {
		t.Errorf("expected 1 search, got %d", searches.Load())
	}
}

func TestPostMetaUnmarshalForms(t *testing.T) {
	var p RemotePost
	if err := json.Unmarshal([]byte(`{"id": 1, "meta": {"fanza_product_id": "ipx-1"}}`), &p); err != nil {
		t.Fatalf("object meta failed: %v", err)
	}
	if p.Meta[MetaProductID] != "ipx-1" {
		t.Errorf("object meta not parsed: %v", p.Meta)
	}

	if err := json.Unmarshal([]byte(`{"id": 2, "meta": [{"key": "fanza_product_id", "value": "ipx-2"}]}`), &p); err != nil {
		t.Fatalf("array meta failed: %v", err)
	}
	if p.Meta[MetaProductID] != "ipx-2" {
		t.Errorf("array meta not parsed: %v", p.Meta)
	}

	if err := json.Unmarshal([]byte(`{"id": 3, "meta": []}`), &p); err != nil {
		t.Fatalf("empty meta failed: %v", err)
	}
	if len(p.Meta) != 0 {
		t.Errorf("expected empty meta, got %v", p.Meta)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "5")
	if d := retryAfter(h); d.Seconds() != 5 {
		t.Errorf("expected 5s, got %v", d)
	}
	if d := retryAfter(http.Header{}); d != DefaultRateLimitWait {
		t.Errorf("expected default wait, got %v", d)
	}
	h.Set("Retry-After", "not-a-number")
	if d := retryAfter(h); d != DefaultRateLimitWait {
		t.Errorf("expected default wait for garbage, got %v", d)
	}
}
