package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxContentChars int
}

// Ollama extracts with a local model through Ollama's /api/generate.
type Ollama struct {
	baseURL  string
	model    string
	client   *http.Client
	template prompt.ChatTemplate
	maxChars int
	now      func() time.Time
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllama builds an Ollama extractor.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Ollama{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
		template: newTemplate(),
		maxChars: cfg.MaxContentChars,
		now:      time.Now,
	}
}

// Name implements scrape.Extractor.
func (o *Ollama) Name() string { return "ollama" }

// Extract implements scrape.Extractor.
func (o *Ollama) Extract(ctx context.Context, page scrape.Page) ([]scrape.Record, error) {
	content, err := Markdown(page.Body, page.URL, o.maxChars)
	if err != nil {
		return nil, &scrape.ExtractError{Backend: o.Name(), Err: err}
	}
	msgs, err := formatMessages(ctx, o.template, page.URL, content, o.now())
	if err != nil {
		return nil, &scrape.ExtractError{Backend: o.Name(), Err: err}
	}
	text, err := o.generate(ctx, flatten(msgs))
	if err != nil {
		return nil, err
	}
	return ParseRecords(o.Name(), text, page.URL)
}

func (o *Ollama) generate(ctx context.Context, promptText string) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:   o.model,
		Prompt:  promptText,
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", &scrape.ExtractError{Backend: o.Name(), Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &scrape.ExtractError{Backend: o.Name(), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", &scrape.ExtractError{
			Backend:   o.Name(),
			Retryable: true,
			Err:       fmt.Errorf("%w: ollama connection failed: %w", ErrBackendUnavailable, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 {
			return "", &scrape.ExtractError{
				Backend:   o.Name(),
				Retryable: true,
				Err:       fmt.Errorf("%w: %w", ErrBackendUnavailable, statusErr),
			}
		}
		return "", &scrape.ExtractError{Backend: o.Name(), Err: statusErr}
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &scrape.ExtractError{Backend: o.Name(), Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != "" {
		return "", &scrape.ExtractError{Backend: o.Name(), Retryable: true, Err: fmt.Errorf("ollama: %s", out.Error)}
	}
	return out.Response, nil
}
