package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

// DefaultAnthropicMaxTokens is sent when the request leaves MaxTokens unset;
// the Messages API requires the field.
const DefaultAnthropicMaxTokens = 1024

// AnthropicAdapter speaks the Messages API format
type AnthropicAdapter struct {
	usage usageEstimator
}

// NewAnthropicAdapter creates an Anthropic adapter
func NewAnthropicAdapter(encoders *tokens.EncoderRegistry) *AnthropicAdapter {
	return &AnthropicAdapter{usage: newUsageEstimator(encoders)}
}

func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

// ChunkKind is empty: Messages API event streams are captured as their
// final message, not reconstructed.
func (a *AnthropicAdapter) ChunkKind() streaming.ResponseKind { return "" }

// ToWire builds anthropic.MessageNewParams. System turns move to the
// top-level system field; tool results become user turns.
func (a *AnthropicAdapter) ToWire(req core.ChatRequest) (any, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("anthropic request: model is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}
	if req.ThinkingBudget > 0 && req.ThinkingBudget >= maxTokens {
		maxTokens = req.ThinkingBudget + DefaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if system := systemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(float64(req.TopP))
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			continue
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if tc.Function == nil {
					continue
				}
				var input any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return nil, fmt.Errorf("anthropic request: no user or assistant turns")
	}

	for _, tool := range req.Tools {
		if tool.Function == nil {
			continue
		}
		t := anthropic.ToolParam{
			Name:        tool.Function.Name,
			InputSchema: anthropic.ToolInputSchemaParam{Properties: tool.Function.Parameters["properties"]},
		}
		if tool.Function.Description != "" {
			t.Description = anthropic.String(tool.Function.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &t})
	}

	return params, nil
}

// FromWire parses a Messages API body. Text blocks are concatenated and
// tool_use blocks become canonical tool calls.
func (a *AnthropicAdapter) FromWire(body []byte) (core.ChatResponse, error) {
	var message anthropic.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return core.ChatResponse{}, fmt.Errorf("failed to decode anthropic response: %w", err)
	}
	if len(message.Content) == 0 {
		return core.ChatResponse{}, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}

	chatResp := core.ChatResponse{
		ID:       message.ID,
		Model:    string(message.Model),
		Provider: ProviderAnthropic,
		Usage: core.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		FinishReason: string(message.StopReason),
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(b.Input)
			if err != nil {
				return core.ChatResponse{}, fmt.Errorf("tool_use %s: %w", b.ID, err)
			}
			chatResp.ToolCalls = append(chatResp.ToolCalls, core.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: &core.ToolCallFunction{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	chatResp.Text = text.String()

	a.usage.fill(&chatResp)
	return chatResp, nil
}
