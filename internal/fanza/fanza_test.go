package fanza

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

const sampleResponse = `{
  "result": {
    "items": [
      {
        "content_id": "IPX00123",
        "title": "Sample Title IPX-123",
        "date": "2026-08-20 10:00:00",
        "volume": "120",
        "description": "A description.",
        "affiliateURL": "https://al.dmm.co.jp/?lurl=x&af_id=y",
        "imageURL": {"small": "https://pics.dmm.co.jp/s.jpg", "large": "https://pics.dmm.co.jp/l.jpg"},
        "sampleImageURL": {
          "sample_l": {"image": ["https://pics.dmm.co.jp/1.jpg", "https://pics.dmm.co.jp/2.jpg"]}
        },
        "sampleMovieURL": {"size_720_480": "https://cc3001.dmm.co.jp/m.mp4"},
        "iteminfo": {
          "actress": [{"name": "Actress A"}],
          "genre": [{"name": "Genre1"}, {"name": "Genre2"}],
          "maker": [{"name": "Maker X"}]
        }
      },
      {
        "title": "No identifier, skipped"
      }
    ]
  }
}`

func TestFetchParsesItems(t *testing.T) {
	var query atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		fmt.Fprint(w, sampleResponse)
	}))
	defer srv.Close()

	c := NewClient("api-key", "aff-id")
	c.SetBaseURL(srv.URL)

	products, err := c.Fetch(context.Background(), FetchOptions{Limit: 10, Offset: 100, Since: "2026-08-01", Sort: "date"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}

	p := products[0]
	if p.ProductID != "ipx00123" {
		t.Errorf("product id must be lower-cased, got %q", p.ProductID)
	}
	if p.Maker != "Maker X" || len(p.Genres) != 2 || len(p.Actresses) != 1 {
		t.Errorf("item info not parsed: %+v", p)
	}
	if p.PackageImageURL != "https://pics.dmm.co.jp/l.jpg" {
		t.Errorf("large image preferred, got %q", p.PackageImageURL)
	}
	if len(p.SampleImageURLs) != 2 {
		t.Errorf("sample images not parsed: %v", p.SampleImageURLs)
	}
	if p.SampleMovieURL != "https://cc3001.dmm.co.jp/m.mp4" {
		t.Errorf("sample movie not parsed: %q", p.SampleMovieURL)
	}

	q := query.Load().(url.Values)
	if q.Get("offset") != "101" {
		t.Errorf("offset must be 1-based, got %s", q.Get("offset"))
	}
	if q.Get("gte_date") != "20260801" {
		t.Errorf("since filter not converted: %s", q.Get("gte_date"))
	}
	if q.Get("api_id") != "api-key" || q.Get("affiliate_id") != "aff-id" {
		t.Error("credentials not sent")
	}
}

func TestFetchEmptyResultSignalsExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result": {"items": []}}`)
	}))
	defer srv.Close()

	c := NewClient("k", "a")
	c.SetBaseURL(srv.URL)
	products, err := c.Fetch(context.Background(), FetchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(products) != 0 {
		t.Errorf("expected empty result, got %d", len(products))
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"result": {"items": []}}`)
	}))
	defer srv.Close()

	c := NewClient("k", "a")
	c.SetBaseURL(srv.URL)
	if _, err := c.Fetch(context.Background(), FetchOptions{Limit: 5}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFetchAuthFailureIsPermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient("bad", "bad")
	c.SetBaseURL(srv.URL)
	if _, err := c.Fetch(context.Background(), FetchOptions{Limit: 5}); err == nil {
		t.Fatal("expected auth failure to surface")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}
