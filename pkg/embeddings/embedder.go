// Package embeddings turns request content into vectors for clustering.
package embeddings

import (
	"context"
	"fmt"
)

// Embedder defines the interface for text embedding generation
type Embedder interface {
	// EmbedText converts text to a vector representation
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Supported embedding providers
const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// Config holds configuration for embedders
type Config struct {
	Provider  string `yaml:"provider" validate:"omitempty,oneof=openai hash"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension" validate:"gte=0"`
	// MaxTokens bounds the input; longer text is truncated at a word boundary.
	MaxTokens int    `yaml:"max_tokens" validate:"gte=0"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// DefaultConfig returns default embedding configuration
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderHash,
		Model:     "text-embedding-3-small",
		Dimension: 256,
		MaxTokens: 8192,
		APIKeyEnv: "OPENAI_API_KEY",
	}
}

// New builds the embedder selected by cfg.Provider.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case "", ProviderHash:
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
