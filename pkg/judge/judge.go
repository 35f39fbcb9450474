// Package judge invokes an LLM as an evaluator and turns its reply into a
// scored verdict.
package judge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Supported judge providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

var (
	// ErrEmptyResponse is returned when the provider answered with no text.
	ErrEmptyResponse = errors.New("judge returned an empty response")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown judge provider")
	// ErrNotConfigured is returned by Unconfigured.
	ErrNotConfigured = errors.New("no judge configured")
)

// Options tune a single judge call. Zero values leave the judge's defaults.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	System      string   `json:"system,omitempty"`
	JSONMode    bool     `json:"json_mode,omitempty"`
}

// Result is a judge reply. Metadata holds the decoded JSON object when the
// reply contained one; callers treat it as read-only.
type Result struct {
	Score     float64        `json:"score"`
	HasScore  bool           `json:"has_score"`
	Reasoning string         `json:"reasoning,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Raw       string         `json:"raw"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	TokensIn  int            `json:"tokens_in"`
	TokensOut int            `json:"tokens_out"`
	Cost      float64        `json:"cost,omitempty"`
}

// Judge evaluates a rendered prompt.
type Judge interface {
	Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error)
	Provider() string
	Model() string
}

// Unconfigured stands in when no judge is set up. Every call fails, so
// judge-backed evaluations record error outputs instead of scores.
type Unconfigured struct{}

func (Unconfigured) Provider() string { return "none" }
func (Unconfigured) Model() string    { return "" }

func (Unconfigured) Evaluate(context.Context, string, Options) (*Result, error) {
	return nil, ErrNotConfigured
}

// Config selects and configures a judge client.
type Config struct {
	Provider  string        `yaml:"provider" validate:"required,oneof=openai anthropic"`
	Model     string        `yaml:"model" validate:"required"`
	APIKeyEnv string        `yaml:"api_key_env"`
	APIKey    string        `yaml:"-"`
	BaseURL   string        `yaml:"base_url" validate:"omitempty,url"`
	MaxTokens int           `yaml:"max_tokens" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultMaxTokens bounds judge replies when neither config nor options set it.
const DefaultMaxTokens = 1024

func (c Config) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

func (c Config) maxTokens(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

// New builds the judge client named by cfg.Provider.
func New(cfg Config) (Judge, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIJudge(cfg)
	case ProviderAnthropic:
		return NewAnthropicJudge(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func modelFor(defaultModel string, opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return defaultModel
}
