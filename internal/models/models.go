// Package models defines core data types shared across PostPipe components.
package models

// Product is a single item fetched from the affiliate product API, not yet
// checked for duplication.
type Product struct {
	ProductID       string   `json:"product_id"`
	Title           string   `json:"title"`
	Actresses       []string `json:"actress"`
	Maker           string   `json:"maker"`
	Genres          []string `json:"genre"`
	ReleaseDate     string   `json:"release_date"`
	Duration        string   `json:"duration,omitempty"`
	Summary         string   `json:"summary"`
	PackageImageURL string   `json:"package_image_url"`
	AffiliateURL    string   `json:"affiliate_url"`
	SampleImageURLs []string `json:"sample_image_urls"`
	SampleMovieURL  string   `json:"sample_movie_url,omitempty"`
}

// Scene is one generated review scene with its talking points.
type Scene struct {
	Title  string   `json:"title"`
	Points []string `json:"points"`
}

// Rating is a single star rating with an optional note.
type Rating struct {
	Stars int    `json:"stars"`
	Note  string `json:"note"`
}

// Article is the structured review returned by the generation service.
type Article struct {
	Title            string            `json:"title"`
	ShortDescription string            `json:"short_description"`
	Scenes           []Scene           `json:"scenes"`
	Ratings          map[string]Rating `json:"ratings"`
	Summary          string            `json:"summary"`
	CTAText          string            `json:"cta_text"`
	Excerpt          string            `json:"excerpt"`
}
