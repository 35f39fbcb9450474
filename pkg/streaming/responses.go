package streaming

import "encoding/json"

// ResponseObject is the non-streamed body of a structured-response call
type ResponseObject struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Model     string         `json:"model"`
	Status    string         `json:"status"`
	Output    []OutputItem   `json:"output"`
	Usage     *ResponseUsage `json:"usage,omitempty"`
}

// OutputItem is one message, function call or reasoning item of a response
type OutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []OutputContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

// OutputContent is a content part of a message item
type OutputContent struct {
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	Annotations []json.RawMessage `json:"annotations"`
}

// ResponseUsage is the token usage of a structured response
type ResponseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

const (
	ItemTypeMessage      = "message"
	ItemTypeFunctionCall = "function_call"
	ContentTypeText      = "output_text"
)

// Structured-response stream event types
const (
	EventResponseCreated    = "response.created"
	EventResponseInProgress = "response.in_progress"
	EventResponseCompleted  = "response.completed"
	EventOutputItemAdded    = "response.output_item.added"
	EventOutputItemDone     = "response.output_item.done"
	EventOutputTextDelta    = "response.output_text.delta"
	EventOutputTextDone     = "response.output_text.done"
	EventFunctionArgsDelta  = "response.function_call_arguments.delta"
	EventFunctionArgsDone   = "response.function_call_arguments.done"
)

type responseEvent struct {
	Type        string          `json:"type"`
	Response    *ResponseObject `json:"response,omitempty"`
	OutputIndex *int            `json:"output_index,omitempty"`
	ItemID      string          `json:"item_id,omitempty"`
	Item        *OutputItem     `json:"item,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
	Text        string          `json:"text,omitempty"`
}
