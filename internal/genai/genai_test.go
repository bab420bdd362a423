package genai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"text/template"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/PostPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func newTestClient(t *testing.T, chat chatService) *Client {
	t.Helper()
	c := &Client{chat: chat, model: "test-model", maxCompletionTokens: 100}
	if err := c.loadPrompts(); err != nil {
		t.Fatalf("loadPrompts failed: %v", err)
	}
	return c
}

func testProduct() models.Product {
	return models.Product{
		ProductID:   "ipx-123",
		Title:       "Test Title",
		Actresses:   []string{"Actress A"},
		Maker:       "Maker X",
		Genres:      []string{"Genre1"},
		ReleaseDate: "2026-08-20",
		Summary:     "A summary.",
	}
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateArticle_Success(t *testing.T) {
	body := `{"title": "Great Watch", "short_description": "Intro", "scenes": [{"title": "Scene 1", "points": ["p1", "p2"]}], "ratings": {"ease": {"stars": 4, "note": "smooth"}}, "summary": "Overall good.", "cta_text": "Buy now", "excerpt": "Short."}`
	mock := &mockChatService{resp: completionWith(body)}
	client := newTestClient(t, mock)

	article, err := client.GenerateArticle(context.Background(), testProduct())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if article.Title != "Great Watch" {
		t.Errorf("expected parsed title, got %q", article.Title)
	}
	if len(article.Scenes) != 1 || len(article.Scenes[0].Points) != 2 {
		t.Errorf("scenes not parsed: %+v", article.Scenes)
	}
	if article.Ratings["ease"].Stars != 4 {
		t.Errorf("ratings not parsed: %+v", article.Ratings)
	}
	if article.CTAText != "Buy now" {
		t.Errorf("expected cta from response, got %q", article.CTAText)
	}
}

func TestGenerateArticle_PromptIncludesProduct(t *testing.T) {
	mock := &mockChatService{resp: completionWith(`{"title": "x"}`)}
	client := newTestClient(t, mock)

	if _, err := client.GenerateArticle(context.Background(), testProduct()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(mock.params.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(mock.params.Messages))
	}
	user := mock.params.Messages[1].OfUser.Content.OfString.Value
	for _, want := range []string{"ipx-123", "Test Title", "Actress A", "Maker X"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestGenerateArticle_ServiceError(t *testing.T) {
	client := newTestClient(t, &mockChatService{err: errors.New("service failure")})
	_, err := client.GenerateArticle(context.Background(), testProduct())
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateArticle_NoChoices(t *testing.T) {
	client := newTestClient(t, &mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.GenerateArticle(context.Background(), testProduct())
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestParseArticle_FencedJSON(t *testing.T) {
	raw := "Here you go:\n```json\n{\"title\": \"Fenced\", \"cta_text\": \"Go\"}\n```\nthanks"
	article := parseArticle(raw)
	if article.Title != "Fenced" {
		t.Errorf("expected fenced JSON to parse, got %+v", article)
	}
}

func TestParseArticle_FallbackOnGarbage(t *testing.T) {
	article := parseArticle("not json at all")
	if article.Title != "レビュー" {
		t.Errorf("expected fallback title, got %q", article.Title)
	}
	if article.CTAText != DefaultCTAText {
		t.Errorf("expected default cta, got %q", article.CTAText)
	}
	if len(article.Ratings) != 4 {
		t.Errorf("expected 4 fallback ratings, got %d", len(article.Ratings))
	}
	if article.Summary != "not json at all" {
		t.Errorf("expected raw text in summary, got %q", article.Summary)
	}
}

func TestParseArticle_DefaultCTA(t *testing.T) {
	article := parseArticle(`{"title": "No CTA"}`)
	if article.CTAText != DefaultCTAText {
		t.Errorf("expected default cta when omitted, got %q", article.CTAText)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}

func TestSelectViewpoints(t *testing.T) {
	client := newTestClient(t, &mockChatService{})
	out := client.selectViewpoints(2)
	if got := strings.Count(out, "- "); got != 2 {
		t.Errorf("expected 2 viewpoint lines, got %d in %q", got, out)
	}
}

func TestEmbeddedPromptsParse(t *testing.T) {
	if _, err := template.New("user").Parse(userTemplateText); err != nil {
		t.Fatalf("user template must parse: %v", err)
	}
	if !strings.Contains(systemPrompt, "JSON") {
		t.Error("system prompt must instruct JSON output")
	}
}
