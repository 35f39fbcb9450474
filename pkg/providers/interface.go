package providers

import (
	"errors"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

var (
	// ErrUnsupportedProvider is returned for a provider name with no adapter.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrEmptyResponse is returned when a vendor body carries no completion.
	ErrEmptyResponse = errors.New("provider response has no completion")
)

// Adapter translates between the canonical chat schema and one vendor's
// wire format. Adapters do no I/O; the agent owns the HTTP call and hands
// the raw bodies back for capture.
type Adapter interface {
	Name() string
	// ToWire returns the vendor request value for req, ready for json.Marshal.
	ToWire(req core.ChatRequest) (any, error)
	// FromWire parses a non-streamed vendor response body.
	FromWire(body []byte) (core.ChatResponse, error)
	// ChunkKind is the reconstruction format of the vendor's stream, or
	// empty when its streams cannot be reconstructed.
	ChunkKind() streaming.ResponseKind
}

// usageEstimator fills usage for vendors that omit it
type usageEstimator struct {
	encoders *tokens.EncoderRegistry
}

func newUsageEstimator(encoders *tokens.EncoderRegistry) usageEstimator {
	if encoders == nil {
		encoders = tokens.GetDefaultRegistry()
	}
	return usageEstimator{encoders: encoders}
}

// fill estimates completion tokens when the vendor reported no usage
func (u usageEstimator) fill(resp *core.ChatResponse) {
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		return
	}
	resp.Usage = u.encoders.EstimateUsage(resp.Model, "", resp.Text)
}

// systemPrompt joins the system turns of req
func systemPrompt(req core.ChatRequest) string {
	var out string
	for _, m := range req.Messages {
		if m.Role != "system" || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}
