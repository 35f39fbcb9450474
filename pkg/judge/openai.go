package judge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/skilltuner/pkg/limiter"
)

// OpenAIJudge talks to any OpenAI-compatible chat completions endpoint.
type OpenAIJudge struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAIJudge creates an OpenAI judge. A key is required unless a
// custom base URL points at a local OpenAI-compatible server.
func NewOpenAIJudge(cfg Config) (*OpenAIJudge, error) {
	key := cfg.apiKey()
	if key == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai judge: API key not set (api_key_env=%q)", cfg.APIKeyEnv)
	}

	clientConfig := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIJudge{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

func (j *OpenAIJudge) Provider() string { return ProviderOpenAI }
func (j *OpenAIJudge) Model() string    { return j.cfg.Model }

// Evaluate sends prompt as a single user turn.
func (j *OpenAIJudge) Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	model := modelFor(j.cfg.Model, opts)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: j.cfg.maxTokens(opts),
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := j.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return NewResult(ProviderOpenAI, model, resp.Choices[0].Message.Content,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens), nil
}

// wrapOpenAIError lifts status-bearing SDK errors into limiter.HTTPError so
// the retry policy can see the code.
func wrapOpenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai judge request: %w", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = "openai API error"
		}
		return limiter.NewHTTPError(apiErr.HTTPStatusCode, msg, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return limiter.NewHTTPError(reqErr.HTTPStatusCode, "openai request failed", err)
	}

	return fmt.Errorf("openai judge request failed: %w", err)
}
