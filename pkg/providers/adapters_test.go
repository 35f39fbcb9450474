package providers

import (
	"encoding/json"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

func sampleRequest() core.ChatRequest {
	return core.ChatRequest{
		Model: "test-model",
		Messages: []core.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Weather in Paris?"},
			{Role: "assistant", ToolCalls: []core.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: &core.ToolCallFunction{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "sunny"},
		},
		Tools: []core.Tool{{
			Type: "function",
			Function: &core.ToolFunction{
				Name:        "get_weather",
				Description: "Current weather",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
				},
			},
		}},
		Temperature:    0.4,
		TopP:           0.9,
		TopK:           40,
		MaxTokens:      256,
		ThinkingBudget: 512,
		Stream:         true,
	}
}

func toJSONMap(t *testing.T, v any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestOpenAIAdapter_ToWire(t *testing.T) {
	a := NewOpenAIAdapter("", tokens.NewEncoderRegistry())
	assert.Equal(t, ProviderOpenAI, a.Name())
	assert.Equal(t, streaming.KindChatCompletion, a.ChunkKind())

	wire, err := a.ToWire(sampleRequest())
	require.NoError(t, err)

	req, ok := wire.(openai.ChatCompletionRequest)
	require.True(t, ok)
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	assert.Equal(t, "get_weather", req.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", req.Messages[3].ToolCallID)
	assert.InDelta(t, 0.4, req.Temperature, 1e-6)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Function.Name)
}

func TestOpenAIAdapter_ToWireRequiresModel(t *testing.T) {
	_, err := NewOpenAIAdapter("", nil).ToWire(core.ChatRequest{})
	assert.Error(t, err)
}

func TestOpenAIAdapter_FromWire(t *testing.T) {
	a := NewOpenAIAdapter(ProviderOpenRouter, tokens.NewEncoderRegistry())
	body := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "Checking.",
				"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":\"x\"}"}}]
			},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}
	}`)

	resp, err := a.FromWire(body)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Checking.", resp.Text)
	assert.Equal(t, ProviderOpenRouter, resp.Provider)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, resp.ToolCalls[0].Function.Arguments)
}

func TestOpenAIAdapter_FromWireEstimatesUsage(t *testing.T) {
	a := NewOpenAIAdapter(ProviderVLLM, tokens.NewEncoderRegistry())
	resp, err := a.FromWire([]byte(`{"model":"local","choices":[{"index":0,"message":{"role":"assistant","content":"a fairly long answer text"}}]}`))
	require.NoError(t, err)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestOpenAIAdapter_FromWireErrors(t *testing.T) {
	a := NewOpenAIAdapter("", tokens.NewEncoderRegistry())

	_, err := a.FromWire([]byte(`not json`))
	assert.Error(t, err)

	_, err = a.FromWire([]byte(`{"choices":[]}`))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAnthropicAdapter_ToWire(t *testing.T) {
	a := NewAnthropicAdapter(tokens.NewEncoderRegistry())
	assert.Equal(t, ProviderAnthropic, a.Name())
	assert.Empty(t, a.ChunkKind())

	wire, err := a.ToWire(sampleRequest())
	require.NoError(t, err)
	body := toJSONMap(t, wire)

	assert.Equal(t, "test-model", body["model"])
	// thinking budget must fit under max_tokens
	assert.EqualValues(t, 512+DefaultAnthropicMaxTokens, body["max_tokens"])

	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "Be brief.", system[0].(map[string]any)["text"])

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 3)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	assert.Equal(t, []string{"user", "assistant", "user"}, roles)

	thinking, ok := body["thinking"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 512, thinking["budget_tokens"])
	assert.EqualValues(t, 40, body["top_k"])

	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].(map[string]any)["name"])
}

func TestAnthropicAdapter_ToWireDefaults(t *testing.T) {
	a := NewAnthropicAdapter(tokens.NewEncoderRegistry())

	wire, err := a.ToWire(core.ChatRequest{Model: "claude", Messages: []core.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	body := toJSONMap(t, wire)
	assert.EqualValues(t, DefaultAnthropicMaxTokens, body["max_tokens"])
	assert.NotContains(t, body, "system")

	_, err = a.ToWire(core.ChatRequest{Model: "claude", Messages: []core.Message{{Role: "system", Content: "only"}}})
	assert.Error(t, err)

	_, err = a.ToWire(core.ChatRequest{
		Model: "claude",
		Messages: []core.Message{{Role: "assistant", ToolCalls: []core.ToolCall{{
			ID:       "x",
			Function: &core.ToolCallFunction{Name: "f", Arguments: "{broken"},
		}}}},
	})
	assert.Error(t, err)
}

func TestAnthropicAdapter_FromWire(t *testing.T) {
	a := NewAnthropicAdapter(tokens.NewEncoderRegistry())
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-sonnet-latest",
		"content": [
			{"type": "text", "text": "Let me look."},
			{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": "x"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	resp, err := a.FromWire(body)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "Let me look.", resp.Text)
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, resp.ToolCalls[0].Function.Arguments)

	_, err = a.FromWire([]byte(`{"id":"msg_2","content":[]}`))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(tokens.NewEncoderRegistry())

	assert.Equal(t, []string{"anthropic", "lmstudio", "ollama", "openai", "openrouter", "vllm"}, r.Names())

	a, err := r.Get(ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, streaming.KindChatCompletion, a.ChunkKind())

	_, err = r.Get("bedrock")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
