// Package pipeline orchestrates a posting run: candidate pool build,
// claim protocol, article generation, media upload, and post creation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PostPipe/internal/fanza"
	"github.com/BTreeMap/PostPipe/internal/images"
	"github.com/BTreeMap/PostPipe/internal/models"
	"github.com/BTreeMap/PostPipe/internal/render"
	"github.com/BTreeMap/PostPipe/internal/store"
	"github.com/BTreeMap/PostPipe/internal/wordpress"
)

// Defaults for a posting run.
const (
	DefaultWorkers    = 3
	DefaultBatchSize  = 100
	DefaultMaxPages   = 5
	DefaultPostStatus = "draft"
)

// CandidateSource produces unfiltered product candidates.
type CandidateSource interface {
	Fetch(ctx context.Context, opts fanza.FetchOptions) ([]models.Product, error)
}

// Publisher is the remote publishing surface the pipeline needs.
type Publisher interface {
	PostExistsByProductID(ctx context.Context, productID string) (bool, error)
	PostExistsBySlug(ctx context.Context, productID string) (bool, error)
	CreatePost(ctx context.Context, p wordpress.NewPost) (wordpress.RemotePost, error)
	UploadMedia(ctx context.Context, data []byte, filename, mimeType string) (wordpress.Media, error)
	PrepareTaxonomies(ctx context.Context, genres, actresses []string) (categoryIDs, tagIDs []int64)
	GetTagID(ctx context.Context, name string) (int64, bool, error)
}

// Generator produces a structured article for a product.
type Generator interface {
	GenerateArticle(ctx context.Context, product models.Product) (models.Article, error)
}

// Renderer assembles the post body HTML.
type Renderer interface {
	RenderPost(product models.Product, article models.Article, sceneImageURLs []string) (string, error)
}

// ImageFetcher downloads an image into memory.
type ImageFetcher interface {
	Download(ctx context.Context, imageURL string) (data []byte, filename, mimeType string, err error)
}

// Options configures a posting run.
type Options struct {
	Limit      int    // target number of processed candidates, default 1
	Workers    int    // concurrent candidate workers, default 3
	DryRun     bool   // render and record without touching the remote
	PostStatus string // "draft" or "publish"
	Sort       string
	Since      string
	Keyword    string
	BatchSize  int // candidates fetched per source page
	MaxPages   int // page ceiling for the pool build

	RequireFeaturedMedia bool // abort a candidate that ends up without featured media
	UseCDNImages         bool // reference CDN URLs in the body instead of uploading
	PreviewDir           string
}

// Stats tallies candidate outcomes for one run.
type Stats struct {
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// Poster runs the posting pipeline.
type Poster struct {
	store     store.ProductRepo
	source    CandidateSource
	publisher Publisher
	generator Generator
	renderer  Renderer
	fetcher   ImageFetcher
	opts      Options

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// NewPoster wires the pipeline collaborators. Zero option fields get
// defaults.
func NewPoster(repo store.ProductRepo, source CandidateSource, publisher Publisher, generator Generator, renderer Renderer, fetcher ImageFetcher, opts Options) *Poster {
	if opts.Limit <= 0 {
		opts.Limit = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PostStatus == "" {
		opts.PostStatus = DefaultPostStatus
	}
	return &Poster{
		store:     repo,
		source:    source,
		publisher: publisher,
		generator: generator,
		renderer:  renderer,
		fetcher:   fetcher,
		opts:      opts,
	}
}

// Run executes one posting run. A store I/O failure aborts the run; all
// other per-candidate failures are recorded and counted. An empty filtered
// pool is not an error.
func (p *Poster) Run(ctx context.Context) (Stats, error) {
	pool, err := p.buildPool(ctx)
	if err != nil {
		return p.stats(), err
	}
	if len(pool) == 0 {
		slog.Warn("no unposted candidates found")
		return p.stats(), nil
	}
	if len(pool) > p.opts.Limit {
		pool = pool[:p.opts.Limit]
	}
	slog.Info("processing candidates", "count", len(pool), "workers", p.opts.Workers, "dry_run", p.opts.DryRun)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, product := range pool {
		product := product
		g.Go(func() error {
			return p.processOne(ctx, product)
		})
	}
	if err := g.Wait(); err != nil {
		return p.stats(), err
	}

	stats := p.stats()
	slog.Info("run finished", "succeeded", stats.Succeeded, "failed", stats.Failed, "skipped", stats.Skipped)
	return stats, nil
}

// buildPool pages through the candidate source, dropping ids already seen
// in this pool or already present in the store, until the target count is
// reached or the source is exhausted.
func (p *Poster) buildPool(ctx context.Context) ([]models.Product, error) {
	var pool []models.Product
	seen := make(map[string]struct{})

	for page := 0; page < p.opts.MaxPages; page++ {
		offset := page * p.opts.BatchSize
		batch, err := p.source.Fetch(ctx, fanza.FetchOptions{
			Limit:   p.opts.BatchSize,
			Offset:  offset,
			Since:   p.opts.Since,
			Sort:    p.opts.Sort,
			Keyword: p.opts.Keyword,
		})
		if err != nil {
			return nil, fmt.Errorf("candidate fetch failed: %w", err)
		}
		if len(batch) == 0 {
			slog.Info("candidate source exhausted", "page", page+1)
			break
		}

		for _, product := range batch {
			pid := strings.ToLower(product.ProductID)
			product.ProductID = pid
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}

			exists, err := p.store.Exists(pid)
			if err != nil {
				return nil, fmt.Errorf("store lookup failed for %s: %w", pid, err)
			}
			if exists {
				p.skipped.Add(1)
				continue
			}
			pool = append(pool, product)
		}

		slog.Info("candidate page fetched", "page", page+1, "batch", len(batch), "pool", len(pool))
		if len(pool) >= p.opts.Limit {
			break
		}
	}
	return pool, nil
}

// processOne handles a single claimed candidate. Only store I/O errors are
// returned; everything else ends in CommitFailure and a failed tally.
func (p *Poster) processOne(ctx context.Context, product models.Product) error {
	pid := product.ProductID

	claimed, err := p.store.TryClaim(pid)
	if err != nil {
		return fmt.Errorf("claim failed for %s: %w", pid, err)
	}
	if !claimed {
		slog.Info("candidate already claimed, skipping", "product_id", pid)
		p.skipped.Add(1)
		return nil
	}

	if !p.opts.DryRun {
		done, err := p.remoteAlreadyHas(ctx, pid)
		if err != nil {
			return p.fail(pid, err)
		}
		if done {
			if err := p.store.CommitSuccess(pid, 0, store.StatusDrafted); err != nil {
				return fmt.Errorf("commit failed for %s: %w", pid, err)
			}
			p.skipped.Add(1)
			return nil
		}
	}

	if len(product.SampleImageURLs) == 0 {
		return p.fail(pid, errors.New("no sample images available"))
	}
	sceneURLs := images.SceneURLs(product.SampleImageURLs)

	article, err := p.generator.GenerateArticle(ctx, product)
	if err != nil {
		return p.fail(pid, err)
	}
	slog.Info("article generated", "product_id", pid, "title", article.Title)

	if p.opts.DryRun {
		return p.finishDryRun(ctx, product, article, sceneURLs)
	}

	media, err := p.prepareMedia(ctx, product, sceneURLs)
	if err != nil {
		return p.fail(pid, err)
	}
	product.PackageImageURL = media.packageURL

	category := render.CategoryFor(product.Title, product.Genres)
	categoryIDs, tagIDs := p.publisher.PrepareTaxonomies(ctx, []string{category}, product.Actresses)

	content, err := p.renderer.RenderPost(product, article, media.sceneURLs)
	if err != nil {
		return p.fail(pid, err)
	}

	if p.opts.RequireFeaturedMedia && media.featuredID == 0 {
		return p.fail(pid, errors.New("featured media unavailable"))
	}

	post, err := p.publisher.CreatePost(ctx, wordpress.NewPost{
		Title:         product.Title,
		Content:       content,
		Excerpt:       article.ShortDescription,
		Slug:          postSlug(product),
		Status:        p.opts.PostStatus,
		Categories:    categoryIDs,
		Tags:          tagIDs,
		FeaturedMedia: media.featuredID,
		ProductID:     pid,
	})
	if err != nil {
		return p.fail(pid, err)
	}

	status := store.StatusDrafted
	if p.opts.PostStatus == "publish" {
		status = store.StatusPublished
	}
	if err := p.store.CommitSuccess(pid, post.ID, status); err != nil {
		return fmt.Errorf("commit failed for %s: %w", pid, err)
	}
	slog.Info("candidate posted", "product_id", pid, "post_id", post.ID, "status", status)
	p.succeeded.Add(1)
	return nil
}

// remoteAlreadyHas double-checks the remote for a post carrying this
// product id, either as meta or in the slug. The claim already happened,
// so a hit is committed as drafted to keep future runs cheap.
func (p *Poster) remoteAlreadyHas(ctx context.Context, pid string) (bool, error) {
	exists, err := p.publisher.PostExistsByProductID(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("remote existence check failed: %w", err)
	}
	if exists {
		slog.Info("remote already has post with product id meta", "product_id", pid)
		return true, nil
	}
	exists, err = p.publisher.PostExistsBySlug(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("remote slug check failed: %w", err)
	}
	if exists {
		slog.Info("remote already has post with matching slug", "product_id", pid)
	}
	return exists, nil
}

func (p *Poster) finishDryRun(ctx context.Context, product models.Product, article models.Article, sceneURLs []string) error {
	pid := product.ProductID

	// Look up existing actress tags without creating anything.
	for _, actress := range product.Actresses {
		if id, ok, err := p.publisher.GetTagID(ctx, actress); err == nil && ok {
			slog.Debug("dry run: existing tag found", "name", actress, "id", id)
		}
	}

	content, err := p.renderer.RenderPost(product, article, sceneURLs)
	if err != nil {
		return p.fail(pid, err)
	}

	if p.opts.PreviewDir != "" {
		path := filepath.Join(p.opts.PreviewDir, fmt.Sprintf("preview_%s.html", pid))
		if err := os.WriteFile(path, []byte(render.PreviewPage(pid, content)), 0o644); err != nil {
			slog.Warn("preview write failed", "path", path, "error", err)
		} else {
			slog.Info("dry run preview saved", "path", path)
		}
	}

	if err := p.store.CommitSuccess(pid, 0, store.StatusDryRun); err != nil {
		return fmt.Errorf("commit failed for %s: %w", pid, err)
	}
	p.succeeded.Add(1)
	return nil
}

// preparedMedia is the outcome of image preparation for one candidate.
type preparedMedia struct {
	sceneURLs  []string
	packageURL string
	featuredID int64
}

// prepareMedia uploads the package image, scene images, and eyecatch.
// With UseCDNImages the body keeps CDN URLs and only the eyecatch is
// uploaded so the post still gets featured media.
func (p *Poster) prepareMedia(ctx context.Context, product models.Product, sceneURLs []string) (preparedMedia, error) {
	out := preparedMedia{sceneURLs: sceneURLs, packageURL: product.PackageImageURL}

	if p.opts.UseCDNImages {
		if product.PackageImageURL != "" {
			media, err := p.uploadFromURL(ctx, product.PackageImageURL)
			if err != nil {
				if errors.Is(err, images.ErrPlaceholder) {
					return out, err
				}
				slog.Error("eyecatch upload failed under CDN mode", "product_id", product.ProductID, "error", err)
			} else {
				out.featuredID = media.ID
			}
		}
		return out, nil
	}

	var packageMediaID int64
	if product.PackageImageURL != "" {
		media, err := p.uploadFromURL(ctx, product.PackageImageURL)
		if err != nil {
			return out, err
		}
		packageMediaID = media.ID
		if media.SourceURL != "" {
			out.packageURL = media.SourceURL
		}
	}

	uploaded := make([]string, 0, len(sceneURLs))
	for _, u := range sceneURLs {
		media, err := p.uploadFromURL(ctx, u)
		if err != nil {
			if errors.Is(err, images.ErrPlaceholder) {
				return out, err
			}
			// Keep the CDN URL when a single upload fails.
			slog.Error("scene image upload failed, using CDN URL", "url", u, "error", err)
			uploaded = append(uploaded, u)
			continue
		}
		uploaded = append(uploaded, media.SourceURL)
	}
	out.sceneURLs = uploaded

	if eyecatchURL, ok := images.EyecatchURL(product.SampleImageURLs); ok {
		media, err := p.uploadFromURL(ctx, eyecatchURL)
		if err != nil {
			if errors.Is(err, images.ErrPlaceholder) {
				return out, err
			}
			slog.Error("eyecatch upload failed", "url", eyecatchURL, "error", err)
		} else {
			out.featuredID = media.ID
		}
	}
	if out.featuredID == 0 && packageMediaID != 0 {
		slog.Warn("falling back to package image for featured media", "product_id", product.ProductID)
		out.featuredID = packageMediaID
	}
	return out, nil
}

func (p *Poster) uploadFromURL(ctx context.Context, imageURL string) (wordpress.Media, error) {
	data, filename, mimeType, err := p.fetcher.Download(ctx, imageURL)
	if err != nil {
		return wordpress.Media{}, err
	}
	media, err := p.publisher.UploadMedia(ctx, data, filename, mimeType)
	if err != nil {
		return wordpress.Media{}, fmt.Errorf("media upload failed for %s: %w", imageURL, err)
	}
	return media, nil
}

// fail records a candidate failure. The returned error is non-nil only
// when the store itself fails.
func (p *Poster) fail(pid string, cause error) error {
	slog.Error("candidate failed", "product_id", pid, "error", cause)
	if err := p.store.CommitFailure(pid, cause.Error()); err != nil {
		return fmt.Errorf("failure commit failed for %s: %w", pid, err)
	}
	p.failed.Add(1)
	return nil
}

func (p *Poster) stats() Stats {
	return Stats{
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// postSlug builds a stable slug: lead actress plus product id, or a
// generic prefix when no actress is known.
func postSlug(product models.Product) string {
	if len(product.Actresses) > 0 {
		name := strings.ReplaceAll(product.Actresses[0], " ", "")
		name = strings.ReplaceAll(name, "/", "-")
		return name + "-" + product.ProductID
	}
	return "video-" + product.ProductID
}
