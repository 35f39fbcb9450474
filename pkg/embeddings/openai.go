package embeddings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements the Embedder interface using OpenAI's API
type OpenAIEmbedder struct {
	client *openai.Client
	config Config
}

// NewOpenAIEmbedder creates a new OpenAI embedder. The key is read from
// the environment variable named by config.APIKeyEnv.
func NewOpenAIEmbedder(config Config) (*OpenAIEmbedder, error) {
	env := config.APIKeyEnv
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(env)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable is required", env)
	}
	return newOpenAIEmbedder(apiKey, config), nil
}

func newOpenAIEmbedder(apiKey string, config Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultConfig().MaxTokens
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// EmbedText converts text to a vector using OpenAI's embedding API
func (o *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{truncateText(text, o.config.MaxTokens)},
		Model: openai.SmallEmbedding3,
	}
	if o.config.Model != "" {
		req.Model = openai.EmbeddingModel(o.config.Model)
	}
	if o.config.Dimension > 0 {
		req.Dimensions = o.config.Dimension
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}

// truncateText cuts text to roughly maxTokens tokens at 4 characters per
// token, ending on a word boundary.
func truncateText(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxTokens <= 0 || len(text) <= maxChars {
		return text
	}

	truncated := text[:maxChars]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > 0 {
		truncated = truncated[:lastSpace]
	}
	return truncated
}
