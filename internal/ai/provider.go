// Package ai provides the optional LLM layer: text enrichment of raw
// records and embedding generation for similarity search. Everything
// here fails open; the pipeline works without it.
package ai

import (
	"context"
	"fmt"
)

// Generator produces a completion for a prompt. jsonMode asks the model
// for strict JSON output where the backend supports it.
type Generator interface {
	GenerateCompletion(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Provider bundles both capabilities behind one backend.
type Provider interface {
	Generator
	Embedder
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "ollama" or "openai". Empty disables the AI layer.
	Backend string

	BaseURL    string
	APIKey     string
	GenModel   string
	EmbedModel string
}

// NewProvider builds the configured backend. A nil, nil return means
// the AI layer is disabled.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.EmbedModel, cfg.GenModel), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai backend requires an API key")
		}
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.EmbedModel, cfg.GenModel), nil
	default:
		return nil, fmt.Errorf("unknown ai backend %q", cfg.Backend)
	}
}
