// Package agentevent defines the event vocabulary emitted by an agent run and
// the Source interface the stream layer consumes it through.
package agentevent

// Kind discriminates agent events.
type Kind string

const (
	KindModelStart  Kind = "on_chat_model_start"
	KindModelStream Kind = "on_chat_model_stream"
	KindModelEnd    Kind = "on_chat_model_end"
	KindToolStart   Kind = "on_tool_start"
	KindToolEnd     Kind = "on_tool_end"
)

// Event is one record of an agent run. Only the payload field matching Kind
// is populated.
type Event struct {
	Kind  Kind   `json:"event"`
	Name  string `json:"name,omitempty"` // model or tool name
	RunID string `json:"run_id,omitempty"`

	Chunk      *MessageChunk  `json:"chunk,omitempty"`       // on_chat_model_stream
	Output     *AIMessage     `json:"output,omitempty"`      // on_chat_model_end
	ToolInput  map[string]any `json:"tool_input,omitempty"`  // on_tool_start
	ToolOutput *ToolMessage   `json:"tool_output,omitempty"` // on_tool_end
}

// MessageChunk is an incremental piece of model output.
type MessageChunk struct {
	Content        string          `json:"content,omitempty"`
	ToolCallChunks []ToolCallChunk `json:"tool_call_chunks,omitempty"`
}

// ToolCallChunk is a fragment of a tool call's arguments. ID may be empty
// for providers that only identify continuation fragments by index.
type ToolCallChunk struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
	Index int    `json:"index"`
}

// AIMessage is the finalized output of one model invocation.
type AIMessage struct {
	ID        string     `json:"id,omitempty"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation with fully resolved arguments.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolMessage carries a tool's result. Content is either a string or any
// JSON-marshalable value.
type ToolMessage struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    any    `json:"content"`
}

// ModelStart builds an on_chat_model_start event.
func ModelStart(model string) Event {
	return Event{Kind: KindModelStart, Name: model}
}

// ModelStream builds an on_chat_model_stream event.
func ModelStream(content string, calls ...ToolCallChunk) Event {
	return Event{Kind: KindModelStream, Chunk: &MessageChunk{Content: content, ToolCallChunks: calls}}
}

// ModelEnd builds an on_chat_model_end event.
func ModelEnd(msg AIMessage) Event {
	return Event{Kind: KindModelEnd, Output: &msg}
}

// ToolStart builds an on_tool_start event.
func ToolStart(name string, input map[string]any) Event {
	return Event{Kind: KindToolStart, Name: name, ToolInput: input}
}

// ToolEnd builds an on_tool_end event.
func ToolEnd(name, toolCallID string, content any) Event {
	return Event{Kind: KindToolEnd, Name: name, ToolOutput: &ToolMessage{ToolCallID: toolCallID, Name: name, Content: content}}
}
