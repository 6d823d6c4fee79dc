package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"google.golang.org/genai"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// ErrBackendUnavailable wraps transport failures talking to a model. A
// Fallback extractor switches backends on it.
var ErrBackendUnavailable = errors.New("extraction backend unavailable")

// ChatExtractor prompts an eino chat model with the page's markdown.
type ChatExtractor struct {
	name     string
	model    model.BaseChatModel
	template prompt.ChatTemplate
	maxChars int
	now      func() time.Time
}

// NewChatExtractor wraps any eino chat model.
func NewChatExtractor(name string, chat model.BaseChatModel, maxChars int) *ChatExtractor {
	return &ChatExtractor{
		name:     name,
		model:    chat,
		template: newTemplate(),
		maxChars: maxChars,
		now:      time.Now,
	}
}

// GeminiConfig selects the Gemini model.
type GeminiConfig struct {
	APIKey          string
	Model           string
	MaxContentChars int
}

// NewGemini builds a ChatExtractor backed by Google Gemini.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*ChatExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini chat model: %w", err)
	}
	return NewChatExtractor("gemini", chat, cfg.MaxContentChars), nil
}

// Name implements scrape.Extractor.
func (e *ChatExtractor) Name() string { return e.name }

// Extract implements scrape.Extractor.
func (e *ChatExtractor) Extract(ctx context.Context, page scrape.Page) ([]scrape.Record, error) {
	content, err := Markdown(page.Body, page.URL, e.maxChars)
	if err != nil {
		return nil, &scrape.ExtractError{Backend: e.name, Err: err}
	}
	msgs, err := formatMessages(ctx, e.template, page.URL, content, e.now())
	if err != nil {
		return nil, &scrape.ExtractError{Backend: e.name, Err: err}
	}
	resp, err := e.model.Generate(ctx, msgs)
	if err != nil {
		return nil, &scrape.ExtractError{
			Backend:   e.name,
			Retryable: true,
			Err:       fmt.Errorf("%w: %w", ErrBackendUnavailable, err),
		}
	}
	if resp == nil {
		return nil, &scrape.ExtractError{Backend: e.name, Retryable: true, Err: errors.New("empty model response")}
	}
	return ParseRecords(e.name, resp.Content, page.URL)
}
