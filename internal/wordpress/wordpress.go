// Package wordpress implements a WordPress REST API client: post creation
// and updates, media upload, paginated post listing, and category/tag
// management with a per-client lookup cache.
package wordpress

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BTreeMap/PostPipe/internal/extract"
)

// MetaProductID is the post meta key that persists the canonical product
// identifier on created posts, for duplicate checks against the remote.
const MetaProductID = "fanza_product_id"

// Default client configuration constants
const (
	// DefaultTimeout is the per-request HTTP timeout
	DefaultTimeout = 20 * time.Second
	// DefaultMaxRetries bounds automatic retries of transient failures
	DefaultMaxRetries = 2
	// DefaultRateLimitWait applies when a 429 carries no Retry-After hint
	DefaultRateLimitWait = 60 * time.Second
	// DefaultPerPage is the page size for post listings
	DefaultPerPage = 100
	// DefaultMaxPages bounds listing walks to avoid unbounded scans
	DefaultMaxPages = 5

	// userAgent mimics a browser; some managed hosts block unknown agents.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var errRateLimited = errors.New("rate limited")

// Rendered is a WordPress rendered field. Depending on the request context it
// arrives as a plain string or as a {raw, rendered} object.
type Rendered struct {
	Raw      string
	Rendered string
}

// Text returns the raw form when present, otherwise the rendered form.
func (r Rendered) Text() string {
	if r.Raw != "" {
		return r.Raw
	}
	return r.Rendered
}

func (r *Rendered) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		r.Rendered = s
		return nil
	}
	var obj struct {
		Raw      string `json:"raw"`
		Rendered string `json:"rendered"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Raw = obj.Raw
	r.Rendered = obj.Rendered
	return nil
}

// PostMeta is a post's meta map. WordPress serializes it as an object, or as
// a {key, value} array when meta is registered differently; both forms are
// accepted and flattened to string values.
type PostMeta map[string]string

func (m *PostMeta) UnmarshalJSON(data []byte) error {
	out := PostMeta{}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		for k, v := range obj {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		*m = out
		return nil
	}
	var list []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &list); err == nil {
		for _, kv := range list {
			out[kv.Key] = kv.Value
		}
		*m = out
		return nil
	}
	// Meta disabled or in an unknown shape; treat as empty.
	*m = out
	return nil
}

// RemotePost is a post as returned by the listing and creation endpoints.
type RemotePost struct {
	ID       int64    `json:"id"`
	Slug     string   `json:"slug"`
	Link     string   `json:"link"`
	Modified string   `json:"modified"`
	Title    Rendered `json:"title"`
	Excerpt  Rendered `json:"excerpt"`
	Content  Rendered `json:"content"`
	Meta     PostMeta `json:"meta"`
}

// ExtractPost converts a remote post into the extractor's input form.
func (p RemotePost) ExtractPost() extract.Post {
	return extract.Post{
		MetaID:  p.Meta[MetaProductID],
		Slug:    p.Slug,
		Content: p.Content.Text(),
		Title:   p.Title.Text(),
		Excerpt: p.Excerpt.Text(),
	}
}

// Media is an uploaded media item.
type Media struct {
	ID        int64  `json:"id"`
	SourceURL string `json:"source_url"`
}

// NewPost holds the fields for post creation.
type NewPost struct {
	Title         string
	Content       string
	Excerpt       string
	Slug          string
	Status        string
	Categories    []int64
	Tags          []int64
	FeaturedMedia int64
	ProductID     string
}

// WalkOptions configures a paginated post listing walk.
type WalkOptions struct {
	Status        string // post status filter; defaults to "any"
	PerPage       int
	MaxPages      int
	ModifiedAfter time.Time // zero means no time filter
	Fields        string    // _fields selector to limit payload size
}

// Client is a WordPress REST API client authenticated with an application
// password. A single client instance may be shared by concurrent workers; the
// taxonomy caches are guarded, and duplicate creation of the same new term by
// racing workers is tolerated as a benign cost.
type Client struct {
	baseURL    string
	apiURL     string
	authHeader string
	httpClient *http.Client
	maxRetries uint64

	mu            sync.Mutex
	categoryCache map[string]int64
	tagCache      map[string]int64
}

// NewClient creates a client for the site at baseURL using Basic auth with
// the given username and application password.
func NewClient(baseURL, username, appPassword string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + appPassword))
	slog.Debug("wordpress.NewClient", "baseURL", baseURL, "user", username)
	return &Client{
		baseURL:       baseURL,
		apiURL:        baseURL + "/wp-json/wp/v2",
		authHeader:    "Basic " + credentials,
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		maxRetries:    DefaultMaxRetries,
		categoryCache: make(map[string]int64),
		tagCache:      make(map[string]int64),
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs a request with bounded retries. Network errors and 5xx are
// retried with exponential backoff; a 429 waits for the server's Retry-After
// hint before retrying. Other statuses are returned to the caller as-is.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, contentType string, body []byte, extra http.Header) (*response, error) {
	u := c.apiURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var resp *response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		res, err := c.httpClient.Do(req)
		if err != nil {
			slog.Debug("wordpress request failed, will retry", "method", method, "endpoint", endpoint, "error", err)
			return err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}

		if res.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(res.Header)
			slog.Warn("wordpress rate limited, waiting", "endpoint", endpoint, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return errRateLimited
		}
		if res.StatusCode >= 500 {
			slog.Debug("wordpress server error, will retry", "endpoint", endpoint, "status", res.StatusCode)
			return fmt.Errorf("server error: %s", res.Status)
		}

		resp = &response{status: res.StatusCode, header: res.Header, body: data}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, endpoint, err)
	}
	return resp, nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultRateLimitWait
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request failed: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil, "application/json", body, nil)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		return fmt.Errorf("POST %s returned %d: %s", endpoint, resp.status, truncate(string(resp.body), 200))
	}
	if out != nil {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("decode %s response failed: %w", endpoint, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CreatePost creates a post. The product identifier, when set, is persisted
// as post meta so the post is recognizable as a duplicate later.
func (c *Client) CreatePost(ctx context.Context, p NewPost) (RemotePost, error) {
	data := map[string]any{
		"title":   p.Title,
		"content": p.Content,
		"excerpt": p.Excerpt,
		"status":  p.Status,
	}
	if p.Slug != "" {
		data["slug"] = p.Slug
	}
	if len(p.Categories) > 0 {
		data["categories"] = p.Categories
	}
	if len(p.Tags) > 0 {
		data["tags"] = p.Tags
	}
	if p.FeaturedMedia != 0 {
		data["featured_media"] = p.FeaturedMedia
	}
	if p.ProductID != "" {
		data["meta"] = map[string]string{MetaProductID: p.ProductID}
	}

	slog.Info("wordpress.CreatePost", "title", truncate(p.Title, 30), "status", p.Status)
	var created RemotePost
	if err := c.postJSON(ctx, "posts", data, &created); err != nil {
		return RemotePost{}, fmt.Errorf("create post failed: %w", err)
	}
	slog.Info("wordpress.CreatePost succeeded", "id", created.ID, "link", created.Link)
	return created, nil
}

// UpdatePost applies a partial update to an existing post.
func (c *Client) UpdatePost(ctx context.Context, id int64, fields map[string]any) (RemotePost, error) {
	var updated RemotePost
	endpoint := fmt.Sprintf("posts/%d", id)
	if err := c.postJSON(ctx, endpoint, fields, &updated); err != nil {
		return RemotePost{}, fmt.Errorf("update post %d failed: %w", id, err)
	}
	slog.Debug("wordpress.UpdatePost succeeded", "id", id)
	return updated, nil
}

// UploadMedia uploads a media file and returns its id and URL.
func (c *Client) UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (Media, error) {
	extra := http.Header{}
	extra.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	slog.Info("wordpress.UploadMedia", "filename", filename, "size", len(data))
	resp, err := c.do(ctx, http.MethodPost, "media", nil, mimeType, data, extra)
	if err != nil {
		return Media{}, fmt.Errorf("upload media failed: %w", err)
	}
	if resp.status < 200 || resp.status >= 300 {
		return Media{}, fmt.Errorf("upload media returned %d: %s", resp.status, truncate(string(resp.body), 200))
	}
	var m Media
	if err := json.Unmarshal(resp.body, &m); err != nil {
		return Media{}, fmt.Errorf("decode media response failed: %w", err)
	}
	slog.Info("wordpress.UploadMedia succeeded", "id", m.ID)
	return m, nil
}

// listPosts fetches one page of posts. It asks for context=edit first, so raw
// content and meta come back, and retries anonymously when the site rejects
// the edit context. A 400 status means the page is past the end of the
// listing; it is reported via the done return rather than an error.
func (c *Client) listPosts(ctx context.Context, params url.Values) (posts []RemotePost, totalPages int, done bool, err error) {
	withCtx := url.Values{}
	for k, vs := range params {
		withCtx[k] = vs
	}
	withCtx.Set("context", "edit")

	resp, err := c.do(ctx, http.MethodGet, "posts", withCtx, "", nil, nil)
	if err != nil {
		return nil, 0, false, err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden || resp.status == http.StatusNotFound {
		resp, err = c.do(ctx, http.MethodGet, "posts", params, "", nil, nil)
		if err != nil {
			return nil, 0, false, err
		}
	}
	if resp.status == http.StatusBadRequest {
		return nil, 0, true, nil
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, 0, false, fmt.Errorf("list posts returned %d: %s", resp.status, truncate(string(resp.body), 200))
	}
	if err := json.Unmarshal(resp.body, &posts); err != nil {
		return nil, 0, false, fmt.Errorf("decode posts page failed: %w", err)
	}
	totalPages, _ = strconv.Atoi(resp.header.Get("X-WP-TotalPages"))
	return posts, totalPages, false, nil
}

// WalkPosts walks the post listing page by page and calls fn for each post.
// A page fetch error aborts the walk; an fn error aborts the walk with that
// error. The walk is bounded by opts.MaxPages.
func (c *Client) WalkPosts(ctx context.Context, opts WalkOptions, fn func(RemotePost) error) error {
	status := opts.Status
	if status == "" {
		status = "any"
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	totalPages := 0
	for page := 1; page <= maxPages; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))
		params.Set("status", status)
		if opts.Fields != "" {
			params.Set("_fields", opts.Fields)
		}
		if !opts.ModifiedAfter.IsZero() {
			params.Set("modified_after", opts.ModifiedAfter.Format(time.RFC3339))
		}

		posts, pages, done, err := c.listPosts(ctx, params)
		if err != nil {
			return fmt.Errorf("walk posts page %d failed: %w", page, err)
		}
		if done || len(posts) == 0 {
			return nil
		}
		slog.Debug("wordpress.WalkPosts page", "page", page, "count", len(posts))

		for _, p := range posts {
			if err := fn(p); err != nil {
				return err
			}
		}

		if totalPages == 0 {
			totalPages = pages
		}
		if totalPages > 0 && page >= totalPages {
			return nil
		}
		if len(posts) < perPage {
			return nil
		}
	}
	return nil
}

// PostExistsByProductID reports whether the site already has a post carrying
// the identifier, matching by meta, slug substring, or embedded content
// references among search results.
func (c *Client) PostExistsByProductID(ctx context.Context, productID string) (bool, error) {
	needle := strings.ToLower(productID)
	params := url.Values{}
	params.Set("search", needle)
	params.Set("status", "any")
	params.Set("per_page", "20")
	params.Set("_fields", "id,slug,meta,content")

	posts, _, done, err := c.listPosts(ctx, params)
	if err != nil {
		return false, fmt.Errorf("duplicate check for %s failed: %w", productID, err)
	}
	if done {
		return false, nil
	}
	for _, p := range posts {
		if strings.ToLower(p.Meta[MetaProductID]) == needle {
			slog.Info("wordpress: duplicate found by meta", "productID", productID, "postID", p.ID)
			return true, nil
		}
		if needle != "" && strings.Contains(strings.ToLower(p.Slug), needle) {
			slog.Info("wordpress: duplicate found by slug", "productID", productID, "postID", p.ID)
			return true, nil
		}
		if id, ok := extract.FromContent(p.Content.Text()); ok && id == needle {
			slog.Info("wordpress: duplicate found by content", "productID", productID, "postID", p.ID)
			return true, nil
		}
	}
	return false, nil
}

// PostExistsBySlug scans recent posts for a slug containing the identifier.
// The REST search parameter does not cover slugs, hence the scan.
func (c *Client) PostExistsBySlug(ctx context.Context, productID string) (bool, error) {
	needle := strings.ToLower(productID)
	if needle == "" {
		return false, nil
	}
	params := url.Values{}
	params.Set("per_page", "100")
	params.Set("status", "any")
	params.Set("_fields", "id,slug")

	posts, _, done, err := c.listPosts(ctx, params)
	if err != nil {
		return false, fmt.Errorf("slug check for %s failed: %w", productID, err)
	}
	if done {
		return false, nil
	}
	for _, p := range posts {
		if strings.Contains(strings.ToLower(p.Slug), needle) {
			slog.Info("wordpress: duplicate found by slug scan", "productID", productID, "postID", p.ID)
			return true, nil
		}
	}
	return false, nil
}
