// Package render builds WordPress post HTML from product data and a
// generated article.
package render

import (
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/BTreeMap/PostPipe/internal/models"
)

//go:embed templates/*.html
var templatesFS embed.FS

// sceneDivider separates scene sections.
const sceneDivider = `<hr style="margin:20px 0;border:0;border-top:1px dashed #ddd;">`

// DefaultCTAText is used when the article carries no call-to-action.
const DefaultCTAText = "今すぐ堪能する"

const unknownValue = "情報なし"

// Renderer renders article sections from embedded templates.
type Renderer struct {
	tmpl *template.Template
}

// New parses the embedded templates.
func New() (*Renderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates failed: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

type heroData struct {
	PackageImageURL  string
	Title            string
	ShortDescription string
	Actress          string
	Maker            string
	ReleaseDate      string
	Duration         string
	ProductID        string
	AffiliateURL     string
}

type sceneData struct {
	ImageURL string
	Title    string
	Text     string
}

type ratingRow struct {
	Label string
	Stars string
	Note  string
}

// ratingOrder fixes the row order of the rating table.
var ratingOrder = []struct {
	Key   string
	Label string
}{
	{"ease", "抜きやすさ"},
	{"fetish", "フェチ度"},
	{"volume", "ボリューム"},
	{"repeat", "リピート度"},
}

func (r *Renderer) execute(name string, data any) (string, error) {
	var buf strings.Builder
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s failed: %w", name, err)
	}
	return buf.String(), nil
}

// RenderPost assembles the full post body: hero, scenes, ratings, summary,
// bottom CTA, and the sample video when one exists. sceneImageURLs pair up
// with the article's scenes by index.
func (r *Renderer) RenderPost(product models.Product, article models.Article, sceneImageURLs []string) (string, error) {
	parts := make([]string, 0, 6)

	hero, err := r.execute("hero", heroData{
		PackageImageURL:  product.PackageImageURL,
		Title:            product.Title,
		ShortDescription: orDefault(article.ShortDescription, "作品レビュー"),
		Actress:          orDefault(strings.Join(product.Actresses, ", "), unknownValue),
		Maker:            orDefault(product.Maker, unknownValue),
		ReleaseDate:      orDefault(product.ReleaseDate, unknownValue),
		Duration:         product.Duration,
		ProductID:        product.ProductID,
		AffiliateURL:     product.AffiliateURL,
	})
	if err != nil {
		return "", err
	}
	parts = append(parts, hero)

	scenes, err := r.renderScenes(article.Scenes, sceneImageURLs)
	if err != nil {
		return "", err
	}
	parts = append(parts, scenes)

	rating, err := r.renderRatings(article.Ratings)
	if err != nil {
		return "", err
	}
	parts = append(parts, rating)

	summary, err := r.execute("summary", struct{ Text string }{article.Summary})
	if err != nil {
		return "", err
	}
	parts = append(parts, summary)

	cta, err := r.execute("cta_bottom", struct {
		AffiliateURL string
		Text         string
	}{product.AffiliateURL, orDefault(article.CTAText, DefaultCTAText)})
	if err != nil {
		return "", err
	}
	parts = append(parts, cta)

	if product.SampleMovieURL != "" {
		video, err := r.execute("video", struct{ URL string }{product.SampleMovieURL})
		if err != nil {
			return "", err
		}
		parts = append(parts, video)
	}

	return strings.Join(parts, "\n\n"), nil
}

func (r *Renderer) renderScenes(scenes []models.Scene, imageURLs []string) (string, error) {
	parts := make([]string, 0, len(scenes)*2)
	for i, scene := range scenes {
		imageURL := ""
		if i < len(imageURLs) {
			imageURL = imageURLs[i]
		}
		title := scene.Title
		if title == "" {
			title = fmt.Sprintf("シーン%d", i+1)
		}
		html, err := r.execute("scene", sceneData{
			ImageURL: imageURL,
			Title:    title,
			Text:     strings.Join(scene.Points, " "),
		})
		if err != nil {
			return "", err
		}
		parts = append(parts, html)
		if i < len(scenes)-1 {
			parts = append(parts, sceneDivider)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (r *Renderer) renderRatings(ratings map[string]models.Rating) (string, error) {
	rows := make([]ratingRow, 0, len(ratingOrder))
	for _, entry := range ratingOrder {
		rating, ok := ratings[entry.Key]
		if !ok {
			rating = models.Rating{Stars: 3}
		}
		rows = append(rows, ratingRow{
			Label: entry.Label,
			Stars: starsString(rating.Stars),
			Note:  rating.Note,
		})
	}
	return r.execute("rating", struct{ Rows []ratingRow }{rows})
}

// starsString converts a score to a fixed five-star string, clamping to
// the 0..5 range.
func starsString(count int) string {
	if count < 0 {
		count = 0
	}
	if count > 5 {
		count = 5
	}
	return strings.Repeat("★", count) + strings.Repeat("☆", 5-count)
}

// PreviewPage wraps rendered post content in a standalone HTML document
// for dry-run inspection.
func PreviewPage(title, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>%s</title>
<style>
body { max-width: 800px; margin: 0 auto; padding: 20px; font-family: sans-serif; background: #eee; }
.aa-wrap { background: #fff; margin: 0 auto; }
</style>
</head>
<body>
%s
</body>
</html>`, template.HTMLEscapeString(title), content)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
