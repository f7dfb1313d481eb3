package openai

import "strings"

// StreamAccumulator folds streaming deltas into the final assistant message.
type StreamAccumulator struct {
	content strings.Builder
	calls   []ToolCall
	byIndex map[int]int
	finish  string
	usage   *UsageBreakdown
}

// NewStreamAccumulator returns an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{byIndex: make(map[int]int)}
}

// Add folds chunk in. It returns, for every tool call delta in the chunk, the
// id of the call it belongs to (resolved by index for continuation deltas).
func (a *StreamAccumulator) Add(chunk *ChatCompletionChunk) []string {
	if chunk == nil {
		return nil
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}
	if fr := chunk.GetFinishReason(); fr != nil && *fr != "" {
		a.finish = *fr
	}
	delta := chunk.GetDelta()
	a.content.WriteString(delta.Content)
	ids := make([]string, 0, len(delta.ToolCalls))
	for _, tc := range delta.ToolCalls {
		pos, ok := a.byIndex[tc.Index]
		if !ok {
			pos = len(a.calls)
			a.byIndex[tc.Index] = pos
			a.calls = append(a.calls, ToolCall{Type: "function"})
		}
		call := &a.calls[pos]
		if tc.ID != "" && call.ID == "" {
			call.ID = tc.ID
		}
		if tc.Function != nil {
			if tc.Function.Name != "" && call.Function.Name == "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
		ids = append(ids, call.ID)
	}
	return ids
}

// Content returns the text streamed so far.
func (a *StreamAccumulator) Content() string { return a.content.String() }

// ToolCalls returns the calls assembled so far, in first-seen order.
func (a *StreamAccumulator) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// FinishReason returns the last non-empty finish reason seen.
func (a *StreamAccumulator) FinishReason() string { return a.finish }

// Usage returns the usage chunk, if the upstream sent one.
func (a *StreamAccumulator) Usage() *UsageBreakdown { return a.usage }

// Message returns the assembled assistant message.
func (a *StreamAccumulator) Message() ChatMessage {
	return ChatMessage{Role: "assistant", Content: a.Content(), ToolCalls: a.ToolCalls()}
}
