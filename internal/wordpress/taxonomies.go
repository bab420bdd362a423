package wordpress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Taxonomy limits per post
const (
	maxCategoriesPerPost = 5
	maxTagsPerPost       = 10
)

type term struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// findTerm searches the taxonomy endpoint for an exact (case-insensitive)
// name match.
func (c *Client) findTerm(ctx context.Context, endpoint, name string) (int64, bool, error) {
	params := url.Values{}
	params.Set("search", name)
	resp, err := c.do(ctx, http.MethodGet, endpoint, params, "", nil, nil)
	if err != nil {
		return 0, false, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return 0, false, fmt.Errorf("search %s returned %d", endpoint, resp.status)
	}
	var terms []term
	if err := json.Unmarshal(resp.body, &terms); err != nil {
		return 0, false, fmt.Errorf("decode %s search failed: %w", endpoint, err)
	}
	for _, t := range terms {
		if strings.EqualFold(t.Name, name) {
			return t.ID, true, nil
		}
	}
	return 0, false, nil
}

// getOrCreateTerm resolves a term id from the cache, then the remote search,
// then creates the term. Concurrent workers creating the same new term can
// race; the duplicate taxonomy term that may result is tolerated.
func (c *Client) getOrCreateTerm(ctx context.Context, endpoint string, cache map[string]int64, name string) (int64, error) {
	c.mu.Lock()
	if id, ok := cache[name]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, found, err := c.findTerm(ctx, endpoint, name)
	if err != nil {
		return 0, err
	}
	if !found {
		var created term
		if err := c.postJSON(ctx, endpoint, map[string]string{"name": name}, &created); err != nil {
			return 0, fmt.Errorf("create %s %q failed: %w", endpoint, name, err)
		}
		id = created.ID
		slog.Info("wordpress: term created", "endpoint", endpoint, "name", name, "id", id)
	}

	c.mu.Lock()
	cache[name] = id
	c.mu.Unlock()
	return id, nil
}

// GetOrCreateCategory returns the id of the named category, creating it if
// necessary.
func (c *Client) GetOrCreateCategory(ctx context.Context, name string) (int64, error) {
	return c.getOrCreateTerm(ctx, "categories", c.categoryCache, name)
}

// GetOrCreateTag returns the id of the named tag, creating it if necessary.
func (c *Client) GetOrCreateTag(ctx context.Context, name string) (int64, error) {
	return c.getOrCreateTerm(ctx, "tags", c.tagCache, name)
}

// GetTagID looks up an existing tag without creating it. Used by dry runs,
// which must not mutate the remote.
func (c *Client) GetTagID(ctx context.Context, name string) (int64, bool, error) {
	c.mu.Lock()
	if id, ok := c.tagCache[name]; ok {
		c.mu.Unlock()
		return id, true, nil
	}
	c.mu.Unlock()

	id, found, err := c.findTerm(ctx, "tags", name)
	if err != nil || !found {
		return 0, false, err
	}
	c.mu.Lock()
	c.tagCache[name] = id
	c.mu.Unlock()
	return id, true, nil
}

// PrepareTaxonomies resolves category ids for genres and tag ids for actress
// names, creating missing terms. Individual term failures are logged and
// skipped; a post with partial taxonomy beats no post.
func (c *Client) PrepareTaxonomies(ctx context.Context, genres, actresses []string) (categoryIDs, tagIDs []int64) {
	if len(genres) > maxCategoriesPerPost {
		genres = genres[:maxCategoriesPerPost]
	}
	if len(actresses) > maxTagsPerPost {
		actresses = actresses[:maxTagsPerPost]
	}
	for _, genre := range genres {
		id, err := c.GetOrCreateCategory(ctx, genre)
		if err != nil {
			slog.Warn("wordpress: category resolution failed", "name", genre, "error", err)
			continue
		}
		categoryIDs = append(categoryIDs, id)
	}
	for _, actress := range actresses {
		id, err := c.GetOrCreateTag(ctx, actress)
		if err != nil {
			slog.Warn("wordpress: tag resolution failed", "name", actress, "error", err)
			continue
		}
		tagIDs = append(tagIDs, id)
	}
	return categoryIDs, tagIDs
}
