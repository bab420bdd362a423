// Package fanza implements the DMM/FANZA affiliate API client. API calls are
// isolated here so endpoint changes stay contained.
package fanza

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/PostPipe/internal/models"
)

// DefaultBaseURL is the affiliate item listing endpoint.
const DefaultBaseURL = "https://api.dmm.com/affiliate/v3/ItemList"

// Client configuration constants
const (
	// DefaultTimeout is the per-request HTTP timeout
	DefaultTimeout = 20 * time.Second
	// DefaultMaxRetries bounds automatic retries of transient failures
	DefaultMaxRetries = 2
	// DefaultRateLimitWait applies when a 429 carries no Retry-After hint
	DefaultRateLimitWait = 60 * time.Second
	// MaxHitsPerRequest is the API's per-call item ceiling
	MaxHitsPerRequest = 100
)

var errRateLimited = errors.New("rate limited")

// FetchOptions selects which products to fetch.
type FetchOptions struct {
	Limit   int
	Offset  int    // zero-based; the API itself counts from 1
	Since   string // YYYY-MM-DD release date floor
	Sort    string // date, rank, ...
	Keyword string
}

// Client calls the affiliate ItemList API.
type Client struct {
	apiID       string
	affiliateID string
	baseURL     string
	site        string
	service     string
	floor       string
	httpClient  *http.Client
	maxRetries  uint64
}

// NewClient creates a client with the given API credentials.
func NewClient(apiID, affiliateID string) *Client {
	return &Client{
		apiID:       apiID,
		affiliateID: affiliateID,
		baseURL:     DefaultBaseURL,
		site:        "FANZA",
		service:     "digital",
		floor:       "videoa",
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// Fetch retrieves one page of products. An empty result signals exhaustion.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) ([]models.Product, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > MaxHitsPerRequest {
		limit = MaxHitsPerRequest
	}
	sort := opts.Sort
	if sort == "" {
		sort = "date"
	}

	params := url.Values{}
	params.Set("api_id", c.apiID)
	params.Set("affiliate_id", c.affiliateID)
	params.Set("site", c.site)
	params.Set("service", c.service)
	params.Set("floor", c.floor)
	params.Set("hits", strconv.Itoa(limit))
	params.Set("sort", sort)
	// The API counts offsets from 1.
	params.Set("offset", strconv.Itoa(opts.Offset+1))
	params.Set("output", "json")
	if opts.Since != "" {
		params.Set("gte_date", strings.ReplaceAll(opts.Since, "-", ""))
	}
	if opts.Keyword != "" {
		params.Set("keyword", opts.Keyword)
	}

	slog.Info("fanza.Fetch", "limit", limit, "sort", sort, "offset", opts.Offset, "since", opts.Since)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.httpClient.Do(req)
		if err != nil {
			slog.Debug("fanza request failed, will retry", "error", err)
			return err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}
		if res.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(res.Header)
			slog.Warn("fanza rate limited, waiting", "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return errRateLimited
		}
		if res.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", res.Status)
		}
		if res.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("unexpected status %d: %s", res.StatusCode, truncate(string(data), 200)))
		}
		body = data
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("fanza fetch failed: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode fanza response failed: %w", err)
	}
	products := parseItems(resp.Result.Items)
	slog.Info("fanza.Fetch succeeded", "items", len(resp.Result.Items), "parsed", len(products))
	return products, nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultRateLimitWait
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
