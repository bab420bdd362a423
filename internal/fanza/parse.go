package fanza

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/PostPipe/internal/models"
)

// maxSampleImages caps how many sample images are kept per product.
const maxSampleImages = 10

// Wire types for the ItemList response. The response structure is the API's;
// endpoint changes are absorbed here.
type apiResponse struct {
	Result struct {
		Items []apiItem `json:"items"`
	} `json:"result"`
}

type nameEntry struct {
	Name string `json:"name"`
}

type imageList struct {
	Image []string `json:"image"`
}

type apiItem struct {
	ContentID    string `json:"content_id"`
	ProductID    string `json:"product_id"`
	Title        string `json:"title"`
	Date         string `json:"date"`
	Volume       string `json:"volume"`
	Description  string `json:"description"`
	URL          string `json:"URL"`
	AffiliateURL string `json:"affiliateURL"`
	ImageURL     struct {
		Small string `json:"small"`
		Large string `json:"large"`
	} `json:"imageURL"`
	SampleImageURL struct {
		SampleL imageList `json:"sample_l"`
		SampleS imageList `json:"sample_s"`
	} `json:"sampleImageURL"`
	SampleMovieURL struct {
		Size720 string `json:"size_720_480"`
		Size644 string `json:"size_644_414"`
		Size476 string `json:"size_476_306"`
	} `json:"sampleMovieURL"`
	ItemInfo struct {
		Actress []nameEntry `json:"actress"`
		Genre   []nameEntry `json:"genre"`
		Maker   []nameEntry `json:"maker"`
	} `json:"iteminfo"`
}

func names(entries []nameEntry) []string {
	var out []string
	for _, e := range entries {
		if e.Name != "" {
			out = append(out, e.Name)
		}
	}
	return out
}

func parseItems(items []apiItem) []models.Product {
	products := make([]models.Product, 0, len(items))
	for _, item := range items {
		productID := item.ContentID
		if productID == "" {
			productID = item.ProductID
		}
		if productID == "" {
			slog.Warn("fanza: item without identifier skipped", "title", item.Title)
			continue
		}

		// Prefer the large package image.
		imageURL := item.ImageURL.Large
		if imageURL == "" {
			imageURL = item.ImageURL.Small
		}

		// Prefer large samples; fall back to small.
		samples := item.SampleImageURL.SampleL.Image
		if len(samples) == 0 {
			samples = item.SampleImageURL.SampleS.Image
		}
		if len(samples) > maxSampleImages {
			samples = samples[:maxSampleImages]
		}

		// Prefer the high-resolution sample movie.
		movieURL := item.SampleMovieURL.Size720
		if movieURL == "" {
			movieURL = item.SampleMovieURL.Size644
		}
		if movieURL == "" {
			movieURL = item.SampleMovieURL.Size476
		}

		maker := ""
		if makers := names(item.ItemInfo.Maker); len(makers) > 0 {
			maker = makers[0]
		}

		summary := item.Description
		if summary == "" {
			summary = item.Title
		}

		affiliateURL := item.AffiliateURL
		if affiliateURL == "" {
			affiliateURL = item.URL
		}

		products = append(products, models.Product{
			ProductID:       strings.ToLower(productID),
			Title:           item.Title,
			Actresses:       names(item.ItemInfo.Actress),
			Maker:           maker,
			Genres:          names(item.ItemInfo.Genre),
			ReleaseDate:     item.Date,
			Duration:        item.Volume,
			Summary:         summary,
			PackageImageURL: imageURL,
			AffiliateURL:    affiliateURL,
			SampleImageURLs: samples,
			SampleMovieURL:  movieURL,
		})
	}
	return products
}
