package evaluation

import (
	"encoding/json"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
)

// ToolCall is a tool invocation recorded in a response.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments string         `json:"arguments"`
	Args      map[string]any `json:"-"`
}

// Triple is the canonical view of a log that methods judge: what was asked,
// what came back, which tools were called, and any retrieval context.
type Triple struct {
	Kind      streaming.ResponseKind
	System    string
	Input     string
	Output    string
	ToolCalls []ToolCall
	// Tools lists the tool names the request offered.
	Tools []string
	// Context holds retrieval nodes taken from tool results and system messages.
	Context []string
}

// responsesRequest is the subset of a structured-response request we read.
type responsesRequest struct {
	Instructions string          `json:"instructions"`
	Input        json.RawMessage `json:"input"`
	Tools        []struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

type responsesInputItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Output  string          `json:"output"`
}

// Extract builds the Triple of a log. Malformed bodies yield empty fields,
// never an error.
func Extract(log *core.Log) Triple {
	kind := streaming.DetectKind(log.ResponseBody)
	t := Triple{Kind: kind}

	if kind == streaming.KindResponses {
		extractResponsesRequest(log.RequestBody, &t)
		extractResponsesOutput(log.ResponseBody, &t)
	} else {
		extractChatRequest(log.RequestBody, &t)
		extractChatOutput(log.ResponseBody, &t)
	}
	return t
}

func extractChatRequest(body []byte, t *Triple) {
	var req openai.ChatCompletionRequest
	if len(body) == 0 || json.Unmarshal(body, &req) != nil {
		return
	}

	var systems []string
	for _, msg := range req.Messages {
		text := messageText(msg)
		switch msg.Role {
		case openai.ChatMessageRoleSystem, "developer":
			systems = append(systems, text)
		case openai.ChatMessageRoleUser:
			t.Input = text
		case openai.ChatMessageRoleTool, openai.ChatMessageRoleFunction:
			if text != "" {
				t.Context = append(t.Context, text)
			}
		}
	}
	t.System = strings.Join(systems, "\n")
	if t.System != "" {
		t.Context = append(t.Context, t.System)
	}

	for _, tool := range req.Tools {
		if tool.Function != nil {
			t.Tools = append(t.Tools, tool.Function.Name)
		}
	}
}

func messageText(msg openai.ChatCompletionMessage) string {
	if msg.Content != "" {
		return msg.Content
	}
	var parts []string
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func extractChatOutput(body []byte, t *Triple) {
	var resp openai.ChatCompletionResponse
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil || len(resp.Choices) == 0 {
		return
	}
	msg := resp.Choices[0].Message
	t.Output = messageText(msg)
	for _, tc := range msg.ToolCalls {
		t.ToolCalls = append(t.ToolCalls, newToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
}

func extractResponsesRequest(body []byte, t *Triple) {
	var req responsesRequest
	if len(body) == 0 || json.Unmarshal(body, &req) != nil {
		return
	}

	t.System = req.Instructions
	for _, tool := range req.Tools {
		switch {
		case tool.Name != "":
			t.Tools = append(t.Tools, tool.Name)
		case tool.Function != nil:
			t.Tools = append(t.Tools, tool.Function.Name)
		}
	}

	var input string
	if json.Unmarshal(req.Input, &input) == nil {
		t.Input = input
	} else {
		var items []responsesInputItem
		if json.Unmarshal(req.Input, &items) == nil {
			for _, item := range items {
				switch {
				case item.Type == "function_call_output":
					if item.Output != "" {
						t.Context = append(t.Context, item.Output)
					}
				case item.Role == "user":
					t.Input = contentText(item.Content)
				case item.Role == "system" || item.Role == "developer":
					t.System = strings.TrimSpace(t.System + "\n" + contentText(item.Content))
				}
			}
		}
	}
	if t.System != "" {
		t.Context = append(t.Context, t.System)
	}
}

// contentText accepts a plain string or an array of typed text parts.
func contentText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func extractResponsesOutput(body []byte, t *Triple) {
	t.Output = streaming.ExtractText(body, streaming.KindResponses)

	var resp streaming.ResponseObject
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil {
		return
	}
	for _, item := range resp.Output {
		if item.Type == streaming.ItemTypeFunctionCall {
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			t.ToolCalls = append(t.ToolCalls, newToolCall(id, item.Name, item.Arguments))
		}
	}
}

func newToolCall(id, name, arguments string) ToolCall {
	tc := ToolCall{ID: id, Name: name, Arguments: arguments}
	var args map[string]any
	if arguments != "" && json.Unmarshal([]byte(arguments), &args) == nil {
		tc.Args = args
	}
	return tc
}

// ToolNames returns the names of the recorded calls in order.
func (t Triple) ToolNames() []string {
	names := make([]string, len(t.ToolCalls))
	for i, tc := range t.ToolCalls {
		names[i] = tc.Name
	}
	return names
}
