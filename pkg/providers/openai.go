package providers

import (
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

// OpenAIAdapter speaks the chat-completions format. It also serves the
// OpenAI-compatible backends (OpenRouter, vLLM, Ollama, LM Studio).
type OpenAIAdapter struct {
	name  string
	usage usageEstimator
}

// NewOpenAIAdapter creates an adapter registered under name.
// A nil encoders registry uses the shared default.
func NewOpenAIAdapter(name string, encoders *tokens.EncoderRegistry) *OpenAIAdapter {
	if name == "" {
		name = ProviderOpenAI
	}
	return &OpenAIAdapter{name: name, usage: newUsageEstimator(encoders)}
}

func (a *OpenAIAdapter) Name() string                      { return a.name }
func (a *OpenAIAdapter) ChunkKind() streaming.ResponseKind { return streaming.KindChatCompletion }

// ToWire builds an openai.ChatCompletionRequest. TopK and ThinkingBudget
// have no chat-completions field and are dropped.
func (a *OpenAIAdapter) ToWire(req core.ChatRequest) (any, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("openai request: model is required")
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			call := openai.ToolCall{ID: tc.ID, Type: openai.ToolTypeFunction}
			if tc.Function != nil {
				call.Function = openai.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			}
			m.ToolCalls = append(m.ToolCalls, call)
		}
		messages[i] = m
	}

	request := openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		MaxTokens:        req.MaxTokens,
		Stream:           req.Stream,
	}
	if req.Stream {
		// usage arrives on the final chunk only when asked for
		request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	for _, tool := range req.Tools {
		t := openai.Tool{Type: openai.ToolType(tool.Type)}
		if t.Type == "" {
			t.Type = openai.ToolTypeFunction
		}
		if tool.Function != nil {
			t.Function = &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			}
		}
		request.Tools = append(request.Tools, t)
	}

	return request, nil
}

// FromWire parses a chat-completions body; the first choice wins.
func (a *OpenAIAdapter) FromWire(body []byte) (core.ChatResponse, error) {
	var response openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return core.ChatResponse{}, fmt.Errorf("failed to decode %s response: %w", a.name, err)
	}
	if len(response.Choices) == 0 {
		return core.ChatResponse{}, fmt.Errorf("%s: %w", a.name, ErrEmptyResponse)
	}

	choice := response.Choices[0]
	chatResp := core.ChatResponse{
		ID:   response.ID,
		Text: choice.Message.Content,
		Usage: core.Usage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
			TotalTokens:      response.Usage.TotalTokens,
		},
		Model:        response.Model,
		Provider:     a.name,
		FinishReason: string(choice.FinishReason),
	}

	for _, tc := range choice.Message.ToolCalls {
		chatResp.ToolCalls = append(chatResp.ToolCalls, core.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: &core.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	a.usage.fill(&chatResp)
	return chatResp, nil
}
