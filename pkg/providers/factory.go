package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

// Provider names
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderVLLM       = "vllm"
	ProviderOllama     = "ollama"
	ProviderLMStudio   = "lmstudio"
)

// Registry maps provider names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry with an adapter for every supported
// provider. OpenAI-compatible backends share the chat-completions adapter.
func NewRegistry(encoders *tokens.EncoderRegistry) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, name := range []string{ProviderOpenAI, ProviderOpenRouter, ProviderVLLM, ProviderOllama, ProviderLMStudio} {
		r.Register(NewOpenAIAdapter(name, encoders))
	}
	r.Register(NewAnthropicAdapter(encoders))
	return r
}

// Register adds or replaces the adapter under its name
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for provider
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return a, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
