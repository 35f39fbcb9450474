package judge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/snow-ghost/skilltuner/pkg/limiter"
)

// AnthropicJudge calls the Anthropic Messages API.
type AnthropicJudge struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropicJudge creates an Anthropic judge. SDK retries are disabled;
// retries belong to the Guarded wrapper.
func NewAnthropicJudge(cfg Config) (*AnthropicJudge, error) {
	key := cfg.apiKey()
	if key == "" {
		return nil, fmt.Errorf("anthropic judge: API key not set (api_key_env=%q)", cfg.APIKeyEnv)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &AnthropicJudge{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (j *AnthropicJudge) Provider() string { return ProviderAnthropic }
func (j *AnthropicJudge) Model() string    { return j.cfg.Model }

// Evaluate sends prompt as a single user turn and concatenates text blocks.
func (j *AnthropicJudge) Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	model := modelFor(j.cfg.Model, opts)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(j.cfg.maxTokens(opts)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}

	message, err := j.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	return NewResult(ProviderAnthropic, model, text.String(),
		int(message.Usage.InputTokens), int(message.Usage.OutputTokens)), nil
}

func wrapAnthropicError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic judge request: %w", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return limiter.NewHTTPError(apiErr.StatusCode, "anthropic API error", err)
	}

	return fmt.Errorf("anthropic judge request failed: %w", err)
}
