package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/skilltuner/pkg/tokens"
)

// ResponseKind selects the shape of the reconstructed body
type ResponseKind string

const (
	// KindChatCompletion is the chat-completions shape (choices[].message)
	KindChatCompletion ResponseKind = "chat_completion"
	// KindResponses is the structured-response shape (output[] items)
	KindResponses ResponseKind = "responses"
)

// ErrEmptyStream is returned when no frame of the stream could be parsed.
var ErrEmptyStream = errors.New("stream contained no usable chunks")

// Stats describes what reconstruction saw
type Stats struct {
	Frames         int
	Skipped        int
	UsageEstimated bool
}

// Result is a reconstructed response
type Result struct {
	// Body is the non-streamed JSON equivalent of the stream
	Body json.RawMessage
	// Raw is the stream as received
	Raw   []byte
	Text  string
	Stats Stats
}

type options struct {
	prompt   string
	encoders *tokens.EncoderRegistry
	now      func() time.Time
}

// Option customizes reconstruction
type Option func(*options)

// WithPrompt supplies the request text used to estimate prompt tokens when
// the stream reports no usage.
func WithPrompt(prompt string) Option {
	return func(o *options) { o.prompt = prompt }
}

// WithEncoders overrides the token encoders used for usage estimation
func WithEncoders(r *tokens.EncoderRegistry) Option {
	return func(o *options) { o.encoders = r }
}

// Reconstruct turns accumulated "data: " framed chunks into the body a
// non-streamed call of the same kind would have returned.
func Reconstruct(accumulated []byte, kind ResponseKind, opts ...Option) (json.RawMessage, []byte, error) {
	res, err := ReconstructResult(accumulated, kind, opts...)
	if err != nil {
		return nil, nil, err
	}
	return res.Body, res.Raw, nil
}

// ReconstructResult is Reconstruct with reconstruction statistics.
// Malformed frames are skipped and counted, never fatal.
func ReconstructResult(accumulated []byte, kind ResponseKind, opts ...Option) (*Result, error) {
	return reconstructFrames(SplitFrames(accumulated), accumulated, kind, opts)
}

// ReconstructReader consumes a stream from r as it arrives and reconstructs
// it once r is exhausted. Multi-line data fields are joined into one frame.
func ReconstructReader(ctx context.Context, r io.Reader, kind ResponseKind, opts ...Option) (*Result, error) {
	var raw bytes.Buffer
	var frames []Frame
	err := ParseSSEStream(ctx, io.TeeReader(r, &raw), func(f Frame) error {
		if strings.TrimSpace(f.Data) != DoneSentinel {
			frames = append(frames, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return reconstructFrames(frames, raw.Bytes(), kind, opts)
}

func reconstructFrames(frames []Frame, accumulated []byte, kind ResponseKind, opts []Option) (*Result, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.encoders == nil {
		o.encoders = tokens.GetDefaultRegistry()
	}

	var (
		res *Result
		err error
	)
	switch kind {
	case KindChatCompletion, "":
		res, err = reconstructChat(frames, o)
	case KindResponses:
		res, err = reconstructResponses(frames, o)
	default:
		return nil, fmt.Errorf("unsupported response kind: %s", kind)
	}
	if err != nil {
		return nil, err
	}
	res.Raw = bytes.TrimSpace(accumulated)
	return res, nil
}

type chatChoiceState struct {
	index        int
	role         string
	content      strings.Builder
	reasoning    strings.Builder
	refusal      strings.Builder
	finishReason openai.FinishReason
	toolCalls    map[int]*openai.ToolCall
}

func reconstructChat(frames []Frame, o options) (*Result, error) {
	var (
		id, model, fingerprint string
		created                int64
		usage                  *openai.Usage
		parsed                 int
		stats                  Stats
	)
	choices := map[int]*chatChoiceState{}

	for _, frame := range frames {
		stats.Frames++
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			stats.Skipped++
			continue
		}
		parsed++

		if id == "" && chunk.ID != "" {
			id = chunk.ID
		}
		if model == "" && chunk.Model != "" {
			model = chunk.Model
		}
		if created == 0 && chunk.Created != 0 {
			created = chunk.Created
		}
		if fingerprint == "" && chunk.SystemFingerprint != "" {
			fingerprint = chunk.SystemFingerprint
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}

		for _, choice := range chunk.Choices {
			state, ok := choices[choice.Index]
			if !ok {
				state = &chatChoiceState{index: choice.Index, toolCalls: map[int]*openai.ToolCall{}}
				choices[choice.Index] = state
			}
			delta := choice.Delta
			if delta.Role != "" {
				state.role = delta.Role
			}
			state.content.WriteString(delta.Content)
			state.reasoning.WriteString(delta.ReasoningContent)
			state.refusal.WriteString(delta.Refusal)
			if choice.FinishReason != "" {
				state.finishReason = choice.FinishReason
			}
			for pos, tc := range delta.ToolCalls {
				idx := pos
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := state.toolCalls[idx]
				if !ok {
					call = &openai.ToolCall{Type: openai.ToolTypeFunction}
					state.toolCalls[idx] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Type != "" {
					call.Type = tc.Type
				}
				if tc.Function.Name != "" {
					call.Function.Name += tc.Function.Name
				}
				call.Function.Arguments += tc.Function.Arguments
			}
		}
	}

	if parsed == 0 {
		return nil, ErrEmptyStream
	}

	indexes := make([]int, 0, len(choices))
	for idx := range choices {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	resp := openai.ChatCompletionResponse{
		ID:                id,
		Object:            "chat.completion",
		Created:           created,
		Model:             model,
		SystemFingerprint: fingerprint,
	}
	if resp.Created == 0 {
		resp.Created = o.now().Unix()
	}

	var completion strings.Builder
	for _, idx := range indexes {
		state := choices[idx]
		msg := openai.ChatCompletionMessage{
			Role:             state.role,
			Content:          state.content.String(),
			ReasoningContent: state.reasoning.String(),
			Refusal:          state.refusal.String(),
		}
		if msg.Role == "" {
			msg.Role = openai.ChatMessageRoleAssistant
		}
		callIdx := make([]int, 0, len(state.toolCalls))
		for i := range state.toolCalls {
			callIdx = append(callIdx, i)
		}
		sort.Ints(callIdx)
		for _, i := range callIdx {
			msg.ToolCalls = append(msg.ToolCalls, *state.toolCalls[i])
			completion.WriteString(state.toolCalls[i].Function.Arguments)
		}
		completion.WriteString(msg.Content)

		finish := state.finishReason
		if finish == "" {
			finish = openai.FinishReasonStop
			if len(msg.ToolCalls) > 0 {
				finish = openai.FinishReasonToolCalls
			}
		}
		resp.Choices = append(resp.Choices, openai.ChatCompletionChoice{
			Index:        state.index,
			Message:      msg,
			FinishReason: finish,
		})
	}

	if usage != nil {
		resp.Usage = *usage
	} else {
		estimated := o.encoders.EstimateUsage(model, o.prompt, completion.String())
		resp.Usage = openai.Usage{
			PromptTokens:     estimated.PromptTokens,
			CompletionTokens: estimated.CompletionTokens,
			TotalTokens:      estimated.TotalTokens,
		}
		stats.UsageEstimated = true
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat completion: %w", err)
	}
	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return &Result{Body: body, Text: text, Stats: stats}, nil
}

type outputState struct {
	item OutputItem
	text strings.Builder
	args strings.Builder
	// argsFinal is set by function_call_arguments.done and wins over deltas
	argsFinal *string
}

func reconstructResponses(frames []Frame, o options) (*Result, error) {
	var (
		meta      ResponseObject
		completed *ResponseObject
		parsed    int
		stats     Stats
	)
	items := map[int]*outputState{}
	byItemID := map[string]int{}

	itemAt := func(ev responseEvent) *outputState {
		idx := -1
		if ev.OutputIndex != nil {
			idx = *ev.OutputIndex
		} else if i, ok := byItemID[ev.ItemID]; ok {
			idx = i
		}
		if idx < 0 {
			idx = len(items)
		}
		state, ok := items[idx]
		if !ok {
			state = &outputState{}
			items[idx] = state
		}
		if ev.ItemID != "" {
			byItemID[ev.ItemID] = idx
			if state.item.ID == "" {
				state.item.ID = ev.ItemID
			}
		}
		return state
	}

	for _, frame := range frames {
		stats.Frames++
		var ev responseEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			stats.Skipped++
			continue
		}
		if ev.Type == "" {
			ev.Type = frame.Event
		}
		parsed++

		switch ev.Type {
		case EventResponseCreated, EventResponseInProgress:
			if ev.Response != nil {
				mergeMeta(&meta, ev.Response)
			}
		case EventResponseCompleted:
			if ev.Response != nil {
				mergeMeta(&meta, ev.Response)
				completed = ev.Response
			}
		case EventOutputItemAdded, EventOutputItemDone:
			if ev.Item == nil {
				continue
			}
			state := itemAt(responseEvent{OutputIndex: ev.OutputIndex, ItemID: ev.Item.ID})
			mergeItem(&state.item, ev.Item)
			if ev.Type == EventOutputItemDone && ev.Item.Type == ItemTypeFunctionCall && ev.Item.Arguments != "" {
				final := ev.Item.Arguments
				state.argsFinal = &final
			}
			if ev.Type == EventOutputItemDone && state.text.Len() == 0 {
				for _, c := range ev.Item.Content {
					state.text.WriteString(c.Text)
				}
			}
		case EventOutputTextDelta:
			state := itemAt(ev)
			if state.item.Type == "" {
				state.item.Type = ItemTypeMessage
			}
			state.text.WriteString(ev.Delta)
		case EventOutputTextDone:
			state := itemAt(ev)
			if state.text.Len() == 0 {
				state.text.WriteString(ev.Text)
			}
		case EventFunctionArgsDelta:
			state := itemAt(ev)
			if state.item.Type == "" {
				state.item.Type = ItemTypeFunctionCall
			}
			state.args.WriteString(ev.Delta)
		case EventFunctionArgsDone:
			state := itemAt(ev)
			if state.item.Type == "" {
				state.item.Type = ItemTypeFunctionCall
			}
			final := ev.Arguments
			state.argsFinal = &final
		}
	}

	if parsed == 0 {
		return nil, ErrEmptyStream
	}

	resp := meta
	resp.Object = "response"
	if resp.Status == "" || resp.Status == "in_progress" {
		resp.Status = "completed"
	}
	if resp.CreatedAt == 0 {
		resp.CreatedAt = o.now().Unix()
	}

	indexes := make([]int, 0, len(items))
	for idx := range items {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var completion strings.Builder
	for _, idx := range indexes {
		state := items[idx]
		item := state.item
		if item.Status == "" || item.Status == "in_progress" {
			item.Status = "completed"
		}
		switch item.Type {
		case ItemTypeFunctionCall:
			item.Arguments = state.args.String()
			if state.argsFinal != nil {
				item.Arguments = *state.argsFinal
			}
			item.Content = nil
			completion.WriteString(item.Arguments)
		case ItemTypeMessage:
			if item.Role == "" {
				item.Role = "assistant"
			}
			item.Content = []OutputContent{{
				Type:        ContentTypeText,
				Text:        state.text.String(),
				Annotations: []json.RawMessage{},
			}}
			completion.WriteString(state.text.String())
		}
		resp.Output = append(resp.Output, item)
	}

	if len(resp.Output) == 0 && completed != nil {
		resp.Output = completed.Output
		for _, item := range completed.Output {
			completion.WriteString(outputText(item))
			completion.WriteString(item.Arguments)
		}
	}
	if resp.Output == nil {
		resp.Output = []OutputItem{}
	}

	if resp.Usage == nil {
		estimated := o.encoders.EstimateUsage(resp.Model, o.prompt, completion.String())
		resp.Usage = &ResponseUsage{
			InputTokens:  estimated.PromptTokens,
			OutputTokens: estimated.CompletionTokens,
			TotalTokens:  estimated.TotalTokens,
		}
		stats.UsageEstimated = true
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return &Result{Body: body, Text: responsesText(resp), Stats: stats}, nil
}

func mergeMeta(dst *ResponseObject, src *ResponseObject) {
	if dst.ID == "" {
		dst.ID = src.ID
	}
	if dst.Model == "" {
		dst.Model = src.Model
	}
	if dst.CreatedAt == 0 {
		dst.CreatedAt = src.CreatedAt
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.Usage != nil {
		u := *src.Usage
		dst.Usage = &u
	}
}

func mergeItem(dst *OutputItem, src *OutputItem) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.ID != "" {
		dst.ID = src.ID
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.CallID != "" {
		dst.CallID = src.CallID
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
}

func outputText(item OutputItem) string {
	var b strings.Builder
	for _, c := range item.Content {
		if c.Type == ContentTypeText || c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func responsesText(resp ResponseObject) string {
	var b strings.Builder
	for _, item := range resp.Output {
		if item.Type == ItemTypeMessage {
			b.WriteString(outputText(item))
		}
	}
	return b.String()
}

// DetectKind guesses the kind of a non-streamed body
func DetectKind(body []byte) ResponseKind {
	var shape struct {
		Choices json.RawMessage `json:"choices"`
		Output  json.RawMessage `json:"output"`
		Object  string          `json:"object"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return KindChatCompletion
	}
	if shape.Object == "response" || (len(shape.Output) > 0 && len(shape.Choices) == 0) {
		return KindResponses
	}
	return KindChatCompletion
}

// ExtractText returns the assistant text of a non-streamed body. Malformed
// bodies yield "".
func ExtractText(body []byte, kind ResponseKind) string {
	switch kind {
	case KindResponses:
		var resp ResponseObject
		if err := json.Unmarshal(body, &resp); err != nil {
			return ""
		}
		return responsesText(resp)
	default:
		var resp openai.ChatCompletionResponse
		if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
			return ""
		}
		return resp.Choices[0].Message.Content
	}
}
