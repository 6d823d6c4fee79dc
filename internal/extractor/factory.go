package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// Backend names accepted by New.
const (
	BackendGemini    = "gemini"
	BackendOllama    = "ollama"
	BackendHeuristic = "heuristic"
)

// Config selects and configures the extraction backend.
type Config struct {
	Backend         string
	Fallback        string
	MaxContentChars int
	GeminiAPIKey    string
	GeminiModel     string
	OllamaURL       string
	OllamaModel     string
	OllamaTimeout   time.Duration
}

// New builds the configured extractor, wrapping it in a Fallback when one
// is named.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (scrape.Extractor, error) {
	primary, err := build(ctx, cfg.Backend, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || strings.EqualFold(cfg.Fallback, cfg.Backend) {
		return primary, nil
	}
	secondary, err := build(ctx, cfg.Fallback, cfg)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return &Fallback{Primary: primary, Secondary: secondary, Logger: logger}, nil
}

func build(ctx context.Context, backend string, cfg Config) (scrape.Extractor, error) {
	switch strings.ToLower(backend) {
	case BackendGemini:
		return NewGemini(ctx, GeminiConfig{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.GeminiModel,
			MaxContentChars: cfg.MaxContentChars,
		})
	case BackendOllama:
		return NewOllama(OllamaConfig{
			BaseURL:         cfg.OllamaURL,
			Model:           cfg.OllamaModel,
			Timeout:         cfg.OllamaTimeout,
			MaxContentChars: cfg.MaxContentChars,
		}), nil
	case BackendHeuristic:
		return NewHeuristic(), nil
	default:
		return nil, fmt.Errorf("unsupported extractor backend %q (supported: gemini, ollama, heuristic)", backend)
	}
}
