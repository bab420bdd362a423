// Package genai generates structured review articles from product data
// using the OpenAI API.
package genai

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"text/template"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/PostPipe/internal/models"
)

//go:embed prompts/system.txt
var systemPrompt string

//go:embed prompts/user.txt
var userTemplateText string

//go:embed prompts/viewpoints.json
var viewpointsJSON string

// Defaults for article generation.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultMaxCompletionTokens = 2000

	// DefaultCTAText is used whenever the model omits a call-to-action.
	DefaultCTAText = "今すぐ堪能する"

	viewpointsPerArticle = 2
)

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the real completion service to chatService.
type openaiChatService struct {
	svc openai.ChatCompletionService
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// viewpoint is one angle the article should emphasize. A random pair is
// injected into each user prompt so consecutive articles do not read the
// same.
type viewpoint struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Opts holds configuration for Client.
type Opts struct {
	APIKey              string
	Model               string
	MaxCompletionTokens int64
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for generation.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxCompletionTokens sets the completion token limit.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// Client generates review articles via the OpenAI chat API.
type Client struct {
	chat                chatService
	model               string
	maxCompletionTokens int64
	viewpoints          []viewpoint
	userTmpl            *template.Template
}

// NewClient initializes a generation client. The API key falls back to the
// OPENAI_API_KEY environment variable when not supplied.
func NewClient(options ...Option) (*Client, error) {
	opts := Opts{
		APIKey:              os.Getenv("OPENAI_API_KEY"),
		Model:               DefaultModel,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	cli := openai.NewClient(option.WithAPIKey(opts.APIKey))
	c := &Client{
		chat:                &openaiChatService{svc: cli.Chat.Completions},
		model:               opts.Model,
		maxCompletionTokens: opts.MaxCompletionTokens,
	}
	if err := c.loadPrompts(); err != nil {
		return nil, err
	}
	slog.Info("genai.NewClient initialized", "model", c.model, "viewpoints", len(c.viewpoints))
	return c, nil
}

func (c *Client) loadPrompts() error {
	tmpl, err := template.New("user").Parse(userTemplateText)
	if err != nil {
		return fmt.Errorf("parse user prompt template failed: %w", err)
	}
	c.userTmpl = tmpl

	var cards struct {
		Viewpoints []viewpoint `json:"viewpoints"`
	}
	if err := json.Unmarshal([]byte(viewpointsJSON), &cards); err != nil {
		return fmt.Errorf("parse viewpoints failed: %w", err)
	}
	c.viewpoints = cards.Viewpoints
	return nil
}

// promptData carries product fields into the user prompt template.
type promptData struct {
	ProductID   string
	Title       string
	Actress     string
	Maker       string
	Genre       string
	ReleaseDate string
	Duration    string
	Summary     string
	Viewpoints  string
}

// GenerateArticle produces a structured review for the given product. The
// model response is expected to be a JSON object; non-JSON responses fall
// back to a minimal article rather than failing the whole pipeline run.
func (c *Client) GenerateArticle(ctx context.Context, product models.Product) (models.Article, error) {
	userPrompt, err := c.buildUserPrompt(product)
	if err != nil {
		return models.Article{}, err
	}

	slog.Debug("genai.GenerateArticle requesting", "product_id", product.ProductID, "model", c.model)

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}
	if supportsJSONMode(c.model) {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateArticle failed", "product_id", product.ProductID, "error", err)
		return models.Article{}, fmt.Errorf("article generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.Article{}, ErrNoChoicesReturned
	}

	raw := resp.Choices[0].Message.Content
	article := parseArticle(raw)
	slog.Debug("genai.GenerateArticle succeeded", "product_id", product.ProductID, "response_len", len(raw), "scenes", len(article.Scenes))
	return article, nil
}

func (c *Client) buildUserPrompt(product models.Product) (string, error) {
	data := promptData{
		ProductID:   product.ProductID,
		Title:       orUnknown(product.Title),
		Actress:     orUnknown(strings.Join(product.Actresses, ", ")),
		Maker:       orUnknown(product.Maker),
		Genre:       orUnknown(strings.Join(product.Genres, ", ")),
		ReleaseDate: orUnknown(product.ReleaseDate),
		Duration:    orUnknown(product.Duration),
		Summary:     orUnknown(product.Summary),
		Viewpoints:  c.selectViewpoints(viewpointsPerArticle),
	}
	var buf strings.Builder
	if err := c.userTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render user prompt failed: %w", err)
	}
	return buf.String(), nil
}

// selectViewpoints picks count random viewpoint cards, formatted one per
// line for the prompt.
func (c *Client) selectViewpoints(count int) string {
	picked := c.viewpoints
	if len(picked) > count {
		shuffled := make([]viewpoint, len(picked))
		copy(shuffled, picked)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		picked = shuffled[:count]
	}
	lines := make([]string, 0, len(picked))
	for _, v := range picked {
		lines = append(lines, fmt.Sprintf("- %s: %s", v.Name, v.Description))
	}
	return strings.Join(lines, "\n")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "情報なし"
	}
	return s
}

// supportsJSONMode reports whether the model accepts the json_object
// response format.
func supportsJSONMode(model string) bool {
	return strings.Contains(model, "gpt-4") ||
		strings.Contains(model, "gpt-5") ||
		strings.Contains(model, "gpt-3.5-turbo-0125")
}

// parseArticle decodes the model response. It tries the raw body first,
// then a fenced ```json block, and finally returns a minimal placeholder
// article built from the raw text.
func parseArticle(raw string) models.Article {
	var article models.Article
	if err := json.Unmarshal([]byte(raw), &article); err == nil {
		return normalizeArticle(article)
	}

	if start := strings.Index(raw, "```json"); start >= 0 {
		rest := raw[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			fenced := strings.TrimSpace(rest[:end])
			if err := json.Unmarshal([]byte(fenced), &article); err == nil {
				return normalizeArticle(article)
			}
		}
	}

	slog.Warn("genai response was not valid JSON, using fallback article", "response_len", len(raw))
	return fallbackArticle(raw)
}

func normalizeArticle(article models.Article) models.Article {
	if article.CTAText == "" {
		article.CTAText = DefaultCTAText
	}
	return article
}

func fallbackArticle(raw string) models.Article {
	return models.Article{
		Title:            "レビュー",
		ShortDescription: "作品レビュー",
		Scenes: []models.Scene{
			{Title: "シーン1", Points: []string{"レビュー内容"}},
		},
		Ratings: map[string]models.Rating{
			"ease":   {Stars: 3},
			"fetish": {Stars: 3},
			"volume": {Stars: 3},
			"repeat": {Stars: 3},
		},
		Summary: truncateRunes(raw, 200),
		CTAText: DefaultCTAText,
		Excerpt: truncateRunes(raw, 150),
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var _ chatService = (*openaiChatService)(nil)
