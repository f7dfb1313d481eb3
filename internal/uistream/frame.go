// Package uistream converts agent run events into the UI message stream
// protocol consumed by chat front-ends: one JSON frame per SSE record,
// terminated by a literal [DONE] record.
package uistream

// ProtocolHeader is the response header announcing the stream protocol to the
// client, and ProtocolVersion its value.
const (
	ProtocolHeader  = "x-vercel-ai-ui-message-stream"
	ProtocolVersion = "v1"
)

// FrameType is the "type" field of a frame.
type FrameType string

const (
	TypeStart               FrameType = "start"
	TypeStartStep           FrameType = "start-step"
	TypeFinishStep          FrameType = "finish-step"
	TypeTextStart           FrameType = "text-start"
	TypeTextDelta           FrameType = "text-delta"
	TypeTextEnd             FrameType = "text-end"
	TypeToolInputStart      FrameType = "tool-input-start"
	TypeToolInputDelta      FrameType = "tool-input-delta"
	TypeToolInputAvailable  FrameType = "tool-input-available"
	TypeToolOutputAvailable FrameType = "tool-output-available"
	TypeError               FrameType = "error"
	TypeFinish              FrameType = "finish"

	// TypeDone identifies the literal terminator; it never appears on the wire
	// as a JSON type.
	TypeDone FrameType = "[DONE]"
)

// Frame is one outbound protocol record.
type Frame interface {
	FrameType() FrameType
}

// Sentinel is a frame written verbatim rather than JSON-encoded.
type Sentinel string

// Done terminates every stream.
const Done Sentinel = "[DONE]"

func (s Sentinel) FrameType() FrameType { return FrameType(s) }

type StartFrame struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId"`
}

type StartStepFrame struct {
	Type FrameType `json:"type"`
}

type FinishStepFrame struct {
	Type FrameType `json:"type"`
}

type TextStartFrame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

type TextDeltaFrame struct {
	Type  FrameType `json:"type"`
	ID    string    `json:"id"`
	Delta string    `json:"delta"`
}

type TextEndFrame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

type ToolInputStartFrame struct {
	Type       FrameType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
}

type ToolInputDeltaFrame struct {
	Type           FrameType `json:"type"`
	ToolCallID     string    `json:"toolCallId"`
	InputTextDelta string    `json:"inputTextDelta"`
}

type ToolInputAvailableFrame struct {
	Type       FrameType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	Input      any       `json:"input"`
}

type ToolOutputAvailableFrame struct {
	Type       FrameType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Output     any       `json:"output"`
}

type ErrorFrame struct {
	Type      FrameType `json:"type"`
	ErrorText string    `json:"errorText"`
}

type FinishFrame struct {
	Type FrameType `json:"type"`
}

func (f StartFrame) FrameType() FrameType               { return TypeStart }
func (f StartStepFrame) FrameType() FrameType           { return TypeStartStep }
func (f FinishStepFrame) FrameType() FrameType          { return TypeFinishStep }
func (f TextStartFrame) FrameType() FrameType           { return TypeTextStart }
func (f TextDeltaFrame) FrameType() FrameType           { return TypeTextDelta }
func (f TextEndFrame) FrameType() FrameType             { return TypeTextEnd }
func (f ToolInputStartFrame) FrameType() FrameType      { return TypeToolInputStart }
func (f ToolInputDeltaFrame) FrameType() FrameType      { return TypeToolInputDelta }
func (f ToolInputAvailableFrame) FrameType() FrameType  { return TypeToolInputAvailable }
func (f ToolOutputAvailableFrame) FrameType() FrameType { return TypeToolOutputAvailable }
func (f ErrorFrame) FrameType() FrameType               { return TypeError }
func (f FinishFrame) FrameType() FrameType              { return TypeFinish }

func startFrame(messageID string) Frame {
	return StartFrame{Type: TypeStart, MessageID: messageID}
}

func startStepFrame() Frame  { return StartStepFrame{Type: TypeStartStep} }
func finishStepFrame() Frame { return FinishStepFrame{Type: TypeFinishStep} }
func finishFrame() Frame     { return FinishFrame{Type: TypeFinish} }

func textStartFrame(id string) Frame { return TextStartFrame{Type: TypeTextStart, ID: id} }
func textEndFrame(id string) Frame   { return TextEndFrame{Type: TypeTextEnd, ID: id} }

func textDeltaFrame(id, delta string) Frame {
	return TextDeltaFrame{Type: TypeTextDelta, ID: id, Delta: delta}
}

func toolInputStartFrame(id, name string) Frame {
	return ToolInputStartFrame{Type: TypeToolInputStart, ToolCallID: id, ToolName: name}
}

func toolInputDeltaFrame(id, delta string) Frame {
	return ToolInputDeltaFrame{Type: TypeToolInputDelta, ToolCallID: id, InputTextDelta: delta}
}

func toolInputAvailableFrame(id, name string, input any) Frame {
	return ToolInputAvailableFrame{Type: TypeToolInputAvailable, ToolCallID: id, ToolName: name, Input: input}
}

func toolOutputAvailableFrame(id string, output any) Frame {
	return ToolOutputAvailableFrame{Type: TypeToolOutputAvailable, ToolCallID: id, Output: output}
}

func errorFrame(text string) Frame {
	return ErrorFrame{Type: TypeError, ErrorText: text}
}
