package uistream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chat/internal/agentevent"
)

// Transducer maps the events of a single run to protocol frames. It keeps
// only the open step, the open text block and the set of announced tool
// calls; create one per run.
type Transducer struct {
	messageID string
	newID     func(prefix string) string

	stepOpen bool
	textID   string
	textOpen bool
	seen     map[string]struct{}

	started  bool
	failed   bool
	finished bool
}

// Option configures a Transducer.
type Option func(*Transducer)

// WithMessageID fixes the message id announced in the start frame.
func WithMessageID(id string) Option {
	return func(t *Transducer) { t.messageID = id }
}

// WithIDGenerator replaces the random id generator used for message and text
// block ids. gen receives the id prefix ("msg" or "text").
func WithIDGenerator(gen func(prefix string) string) Option {
	return func(t *Transducer) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// NewTransducer returns a Transducer for one run.
func NewTransducer(opts ...Option) *Transducer {
	t := &Transducer{
		newID: randomID,
		seen:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.messageID == "" {
		t.messageID = t.newID("msg")
	}
	return t
}

func randomID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start returns the frame opening the stream. Subsequent calls return nil.
func (t *Transducer) Start() []Frame {
	if t.started {
		return nil
	}
	t.started = true
	return []Frame{startFrame(t.messageID)}
}

// Handle maps one event to the frames it produces, in order.
func (t *Transducer) Handle(ev agentevent.Event) []Frame {
	if t.finished {
		return nil
	}
	var out []Frame
	switch ev.Kind {
	case agentevent.KindModelStart:
		out = t.closeStep(out)
		out = t.openStep(out)

	case agentevent.KindModelStream:
		if ev.Chunk == nil {
			return nil
		}
		out = t.handleChunk(out, ev.Chunk)

	case agentevent.KindModelEnd:
		out = t.handleModelEnd(out, ev.Output)

	case agentevent.KindToolStart:
		if !t.stepOpen {
			out = t.openStep(out)
		}

	case agentevent.KindToolEnd:
		if ev.ToolOutput == nil {
			return nil
		}
		out = append(out, toolOutputAvailableFrame(ev.ToolOutput.ToolCallID, ParseToolOutput(ev.ToolOutput.Content)))
	}
	return out
}

func (t *Transducer) handleChunk(out []Frame, chunk *agentevent.MessageChunk) []Frame {
	if chunk.Content != "" {
		if !t.stepOpen {
			out = t.openStep(out)
		}
		if !t.textOpen {
			t.textID = t.newID("text")
			t.textOpen = true
			out = append(out, textStartFrame(t.textID))
		}
		out = append(out, textDeltaFrame(t.textID, chunk.Content))
	}
	for _, tc := range chunk.ToolCallChunks {
		if tc.ID == "" {
			continue
		}
		if !t.stepOpen {
			out = t.openStep(out)
		}
		if _, ok := t.seen[tc.ID]; !ok {
			t.seen[tc.ID] = struct{}{}
			out = append(out, toolInputStartFrame(tc.ID, tc.Name))
		}
		if tc.Args != "" {
			out = append(out, toolInputDeltaFrame(tc.ID, tc.Args))
		}
	}
	return out
}

func (t *Transducer) handleModelEnd(out []Frame, msg *agentevent.AIMessage) []Frame {
	out = t.closeText(out)
	if msg != nil {
		for _, tc := range msg.ToolCalls {
			if !t.stepOpen {
				out = t.openStep(out)
			}
			input := normalizeInput(tc.Args)
			if _, ok := t.seen[tc.ID]; !ok {
				t.seen[tc.ID] = struct{}{}
				raw, _ := json.Marshal(input)
				out = append(out, toolInputStartFrame(tc.ID, tc.Name))
				out = append(out, toolInputDeltaFrame(tc.ID, string(raw)))
			}
			out = append(out, toolInputAvailableFrame(tc.ID, tc.Name, input))
		}
	}
	if t.stepOpen {
		out = append(out, finishStepFrame())
		t.stepOpen = false
	}
	return out
}

// Fail returns the error frame reporting err. Only the first call produces a
// frame.
func (t *Transducer) Fail(err error) []Frame {
	if t.failed || t.finished || err == nil {
		return nil
	}
	t.failed = true
	return []Frame{errorFrame(err.Error())}
}

// Finish closes whatever is still open and terminates the stream. Only the
// first call produces frames.
func (t *Transducer) Finish() []Frame {
	if t.finished {
		return nil
	}
	var out []Frame
	out = t.closeStep(out)
	out = append(out, finishFrame(), Done)
	t.finished = true
	return out
}

func (t *Transducer) openStep(out []Frame) []Frame {
	t.stepOpen = true
	return append(out, startStepFrame())
}

// closeStep closes the text block before the step it belongs to.
func (t *Transducer) closeStep(out []Frame) []Frame {
	out = t.closeText(out)
	if t.stepOpen {
		t.stepOpen = false
		out = append(out, finishStepFrame())
	}
	return out
}

func (t *Transducer) closeText(out []Frame) []Frame {
	if t.textOpen {
		out = append(out, textEndFrame(t.textID))
		t.textOpen = false
		t.textID = ""
	}
	return out
}

// Sink accepts encoded frames. An error means the client is gone.
type Sink interface {
	WriteFrame(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) WriteFrame(fr Frame) error { return f(fr) }

// SinkError wraps a failure returned by the Sink.
type SinkError struct{ Err error }

func (e *SinkError) Error() string { return "uistream: sink: " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// Run drives src to completion, writing every frame to sink before the next
// event is pulled. Source failures are reported in-band with an error frame
// and Run returns the source error after the stream was terminated. Sink
// failures and cancellation of ctx stop the run immediately; Run then returns
// a *SinkError or ctx.Err().
func (t *Transducer) Run(ctx context.Context, src agentevent.Source, sink Sink) error {
	if err := t.write(sink, t.Start()); err != nil {
		return err
	}
	var runErr error
	for {
		ev, err := safeNext(ctx, src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			runErr = err
			if werr := t.write(sink, t.Fail(err)); werr != nil {
				return werr
			}
			break
		}
		if werr := t.write(sink, t.Handle(ev)); werr != nil {
			return werr
		}
	}
	if err := t.write(sink, t.Finish()); err != nil {
		return err
	}
	return runErr
}

func (t *Transducer) write(sink Sink, frames []Frame) error {
	for _, f := range frames {
		if err := sink.WriteFrame(f); err != nil {
			return &SinkError{Err: err}
		}
	}
	return nil
}

func safeNext(ctx context.Context, src agentevent.Source) (ev agentevent.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent run panicked: %v", r)
		}
	}()
	return src.Next(ctx)
}

// ParseToolOutput interprets a tool result for the tool-output-available
// frame. Strings holding JSON are decoded, other strings are passed through
// as text, and structured values are normalized through JSON. A nil payload
// stays null.
func ParseToolOutput(content any) any {
	switch v := content.(type) {
	case nil:
		return nil
	case string:
		if parsed, ok := decodeJSON([]byte(v)); ok {
			return parsed
		}
		return v
	case []byte:
		if parsed, ok := decodeJSON(v); ok {
			return parsed
		}
		return string(v)
	case json.RawMessage:
		if parsed, ok := decodeJSON(v); ok {
			return parsed
		}
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		if parsed, ok := decodeJSON(raw); ok {
			return parsed
		}
		return string(raw)
	}
}

// decodeJSON decodes exactly one JSON value, keeping numbers verbatim.
func decodeJSON(raw []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

// normalizeInput guarantees the input field is always a JSON object.
func normalizeInput(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return map[string]any{}
	}
	if v, ok := decodeJSON(raw); ok {
		return v
	}
	return map[string]any{}
}
