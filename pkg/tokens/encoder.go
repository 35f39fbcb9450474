package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// Encoder represents a token encoder for a specific model
type Encoder interface {
	Encode(text string) ([]int, error)
	Decode(tokens []int) (string, error)
	Count(text string) (int, error)
}

// TiktokenEncoder implements Encoder using tiktoken-go
type TiktokenEncoder struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEncoder creates a new tiktoken encoder
func NewTiktokenEncoder(encodingName string) (*TiktokenEncoder, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}

	return &TiktokenEncoder{
		encoding: encoding,
	}, nil
}

// Encode converts text to tokens
func (e *TiktokenEncoder) Encode(text string) ([]int, error) {
	return e.encoding.Encode(text, nil, nil), nil
}

// Decode converts tokens to text
func (e *TiktokenEncoder) Decode(tokens []int) (string, error) {
	return e.encoding.Decode(tokens), nil
}

// Count returns the number of tokens in text
func (e *TiktokenEncoder) Count(text string) (int, error) {
	return len(e.encoding.Encode(text, nil, nil)), nil
}

// lazyEncoder loads a tiktoken encoding on first use. tiktoken fetches BPE
// ranks on load, so a failure degrades to the approximate encoder.
type lazyEncoder struct {
	name     string
	once     sync.Once
	encoder  Encoder
	fallback Encoder
}

func (l *lazyEncoder) get() Encoder {
	l.once.Do(func() {
		enc, err := NewTiktokenEncoder(l.name)
		if err != nil {
			l.encoder = l.fallback
			return
		}
		l.encoder = enc
	})
	return l.encoder
}

func (l *lazyEncoder) Encode(text string) ([]int, error)   { return l.get().Encode(text) }
func (l *lazyEncoder) Decode(tokens []int) (string, error) { return l.get().Decode(tokens) }
func (l *lazyEncoder) Count(text string) (int, error)      { return l.get().Count(text) }

// ApproxEncoder estimates roughly four characters per token
type ApproxEncoder struct{}

// NewApproxEncoder creates a new approximate encoder
func NewApproxEncoder() *ApproxEncoder {
	return &ApproxEncoder{}
}

// Encode returns placeholder token ids, one per estimated token
func (e *ApproxEncoder) Encode(text string) ([]int, error) {
	count := len(text) / 4
	if count < 1 && len(text) > 0 {
		count = 1
	}

	tokens := make([]int, count)
	for i := 0; i < count; i++ {
		tokens[i] = i
	}
	return tokens, nil
}

// Decode is not supported
func (e *ApproxEncoder) Decode(tokens []int) (string, error) {
	return "", fmt.Errorf("approximate encoder cannot decode")
}

// Count returns the estimated number of tokens, at least 1
func (e *ApproxEncoder) Count(text string) (int, error) {
	count := len(text) / 4
	if count < 1 {
		count = 1
	}
	return count, nil
}

// EncoderRegistry manages model-to-encoder mappings. Exact model ids win
// over family prefixes.
type EncoderRegistry struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
	prefixes map[string]Encoder
	fallback Encoder
}

// NewEncoderRegistry creates a registry that only knows the approximate encoder
func NewEncoderRegistry() *EncoderRegistry {
	return &EncoderRegistry{
		encoders: make(map[string]Encoder),
		prefixes: make(map[string]Encoder),
		fallback: NewApproxEncoder(),
	}
}

// RegisterEncoder registers an encoder for a model
func (r *EncoderRegistry) RegisterEncoder(modelID string, encoder Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[modelID] = encoder
}

// RegisterFamily registers an encoder for every model id starting with prefix
func (r *EncoderRegistry) RegisterFamily(prefix string, encoder Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = encoder
}

// GetEncoder returns the encoder for a model, or fallback if not found
func (r *EncoderRegistry) GetEncoder(modelID string) Encoder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if encoder, exists := r.encoders[modelID]; exists {
		return encoder
	}
	best := ""
	for prefix := range r.prefixes {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.prefixes[best]
	}
	return r.fallback
}

// CountTokens counts tokens in text using the appropriate encoder
func (r *EncoderRegistry) CountTokens(modelID, text string) (int, error) {
	return r.GetEncoder(modelID).Count(text)
}

// CountTokensInMessages counts tokens in a list of messages
func (r *EncoderRegistry) CountTokensInMessages(modelID string, messages []string) (int, error) {
	total := 0
	for _, message := range messages {
		count, err := r.CountTokens(modelID, message)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// EstimateUsage estimates usage for a completion whose provider reported none.
// An empty prompt counts as zero prompt tokens.
func (r *EncoderRegistry) EstimateUsage(modelID, prompt, completion string) core.Usage {
	var usage core.Usage
	if prompt != "" {
		usage.PromptTokens, _ = r.CountTokens(modelID, prompt)
	}
	if completion != "" {
		usage.CompletionTokens, _ = r.CountTokens(modelID, completion)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

var (
	defaultOnce     sync.Once
	defaultRegistry *EncoderRegistry
)

// GetDefaultRegistry returns a shared registry covering common model families.
// OpenAI and Anthropic ids use cl100k_base, loaded on first use.
func GetDefaultRegistry() *EncoderRegistry {
	defaultOnce.Do(func() {
		registry := NewEncoderRegistry()
		cl100k := &lazyEncoder{name: "cl100k_base", fallback: registry.fallback}
		o200k := &lazyEncoder{name: "o200k_base", fallback: registry.fallback}

		for _, prefix := range []string{"gpt-4", "gpt-3.5", "text-embedding", "claude"} {
			registry.RegisterFamily(prefix, cl100k)
		}
		for _, prefix := range []string{"gpt-4o", "gpt-4.1", "o1", "o3", "o4"} {
			registry.RegisterFamily(prefix, o200k)
		}
		for _, prefix := range []string{"llama", "codellama", "mistral", "mixtral", "qwen"} {
			registry.RegisterFamily(prefix, NewApproxEncoder())
		}
		defaultRegistry = registry
	})
	return defaultRegistry
}
