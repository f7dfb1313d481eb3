package uistream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/agentevent"
)

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func(prefix string) string {
		n++
		return fmt.Sprintf("%s_%d", prefix, n)
	})
}

func frameTypes(frames []Frame) []FrameType {
	out := make([]FrameType, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.FrameType())
	}
	return out
}

func countType(frames []Frame, typ FrameType) int {
	n := 0
	for _, f := range frames {
		if f.FrameType() == typ {
			n++
		}
	}
	return n
}

func collect(t *testing.T, src agentevent.Source) []Frame {
	t.Helper()
	frames, err := Collect(context.Background(), src, sequentialIDs())
	require.NoError(t, err)
	return frames
}

func TestTextOnlyRun(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStream("Hi"),
		agentevent.ModelEnd(agentevent.AIMessage{Content: "Hi"}),
	))

	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep, TypeTextStart, TypeTextDelta, TypeTextEnd, TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.Equal(t, StartFrame{Type: TypeStart, MessageID: "msg_1"}, frames[0])
	require.Equal(t, TextDeltaFrame{Type: TypeTextDelta, ID: "text_2", Delta: "Hi"}, frames[3])
	require.Equal(t, TextEndFrame{Type: TypeTextEnd, ID: "text_2"}, frames[4])
}

func TestStreamedToolCallRun(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStart("test-model"),
		agentevent.ModelStream("", agentevent.ToolCallChunk{ID: "c1", Name: "multiply", Args: `{"a":`}),
		agentevent.ModelStream("", agentevent.ToolCallChunk{ID: "c1", Args: `2,"b":3}`}),
		agentevent.ModelEnd(agentevent.AIMessage{ToolCalls: []agentevent.ToolCall{
			{ID: "c1", Name: "multiply", Args: map[string]any{"a": 2, "b": 3}},
		}}),
		agentevent.ToolStart("multiply", map[string]any{"a": 2, "b": 3}),
		agentevent.ToolEnd("multiply", "c1", "6"),
	))

	require.Equal(t, []FrameType{
		TypeStart,
		TypeStartStep,
		TypeToolInputStart, TypeToolInputDelta, TypeToolInputDelta,
		TypeToolInputAvailable,
		TypeFinishStep,
		TypeStartStep,
		TypeToolOutputAvailable,
		TypeFinishStep,
		TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.Equal(t, ToolInputStartFrame{Type: TypeToolInputStart, ToolCallID: "c1", ToolName: "multiply"}, frames[2])
	require.Equal(t, `{"a":`, frames[3].(ToolInputDeltaFrame).InputTextDelta)
	require.Equal(t, `2,"b":3}`, frames[4].(ToolInputDeltaFrame).InputTextDelta)

	available, err := Encode(frames[5])
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tool-input-available","toolCallId":"c1","toolName":"multiply","input":{"a":2,"b":3}}`,
		string(available[len("data: "):len(available)-2]))

	output, err := Encode(frames[8])
	require.NoError(t, err)
	require.Equal(t, "data: {\"type\":\"tool-output-available\",\"toolCallId\":\"c1\",\"output\":6}\n\n", string(output))
}

func TestSourceFailureAfterStepStart(t *testing.T) {
	src := agentevent.NewSliceSource(agentevent.ModelStart("m"))
	src.Err = errors.New("upstream exploded")

	frames, err := Collect(context.Background(), src, sequentialIDs())
	require.EqualError(t, err, "upstream exploded")
	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep, TypeError, TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.Equal(t, ErrorFrame{Type: TypeError, ErrorText: "upstream exploded"}, frames[2])
	require.Zero(t, countType(frames, TypeTextEnd))
}

func TestSourceFailureClosesOpenTextBlock(t *testing.T) {
	src := agentevent.NewSliceSource(agentevent.ModelStart("m"), agentevent.ModelStream("partial"))
	src.Err = errors.New("boom")

	frames, err := Collect(context.Background(), src, sequentialIDs())
	require.Error(t, err)
	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep, TypeTextStart, TypeTextDelta, TypeError, TypeTextEnd, TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
}

func TestFinalizedCallWithoutStreamingIsAnnounced(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStart("m"),
		agentevent.ModelEnd(agentevent.AIMessage{ToolCalls: []agentevent.ToolCall{
			{ID: "c9", Name: "multiply", Args: map[string]any{"a": 4, "b": 5}},
			{ID: "c10", Name: "noop"},
		}}),
	))

	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep,
		TypeToolInputStart, TypeToolInputDelta, TypeToolInputAvailable,
		TypeToolInputStart, TypeToolInputDelta, TypeToolInputAvailable,
		TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.JSONEq(t, `{"a":4,"b":5}`, frames[3].(ToolInputDeltaFrame).InputTextDelta)
	require.JSONEq(t, `{}`, frames[6].(ToolInputDeltaFrame).InputTextDelta)
	require.Equal(t, map[string]any{}, frames[7].(ToolInputAvailableFrame).Input)
}

func TestFragmentWithoutIDIsSkipped(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStart("m"),
		agentevent.ModelStream("", agentevent.ToolCallChunk{Args: `{"orphan":true}`}),
		agentevent.ModelStream("", agentevent.ToolCallChunk{ID: "c1", Name: "multiply"}),
	))

	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep, TypeToolInputStart, TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
}

func TestParallelToolExecutionsShareOneStep(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStart("m"),
		agentevent.ModelEnd(agentevent.AIMessage{ToolCalls: []agentevent.ToolCall{
			{ID: "a", Name: "multiply", Args: map[string]any{"a": 1, "b": 2}},
			{ID: "b", Name: "multiply", Args: map[string]any{"a": 3, "b": 4}},
		}}),
		agentevent.ToolStart("multiply", nil),
		agentevent.ToolStart("multiply", nil),
		agentevent.ToolEnd("multiply", "a", "2"),
		agentevent.ToolEnd("multiply", "b", "12"),
		agentevent.ModelStart("m"),
		agentevent.ModelStream("done"),
		agentevent.ModelEnd(agentevent.AIMessage{Content: "done"}),
	))

	require.Equal(t, []FrameType{
		TypeStart,
		TypeStartStep,
		TypeToolInputStart, TypeToolInputDelta, TypeToolInputAvailable,
		TypeToolInputStart, TypeToolInputDelta, TypeToolInputAvailable,
		TypeFinishStep,
		TypeStartStep, TypeToolOutputAvailable, TypeToolOutputAvailable,
		TypeFinishStep,
		TypeStartStep, TypeTextStart, TypeTextDelta, TypeTextEnd, TypeFinishStep,
		TypeFinish, TypeDone,
	}, frameTypes(frames))
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.Event{Kind: "on_chain_start"},
		agentevent.Event{Kind: agentevent.KindModelStream},
		agentevent.Event{Kind: agentevent.KindToolEnd},
		agentevent.Event{Kind: "on_retriever_end", Name: "x"},
	))
	require.Equal(t, []FrameType{TypeStart, TypeFinish, TypeDone}, frameTypes(frames))
}

func TestModelStartClosesPreviousTextAndStep(t *testing.T) {
	frames := collect(t, agentevent.NewSliceSource(
		agentevent.ModelStart("m"),
		agentevent.ModelStream("a"),
		agentevent.ModelStream("b"),
		agentevent.ModelStart("m"),
		agentevent.ModelStream("c"),
	))
	require.Equal(t, []FrameType{
		TypeStart,
		TypeStartStep, TypeTextStart, TypeTextDelta, TypeTextDelta, TypeTextEnd, TypeFinishStep,
		TypeStartStep, TypeTextStart, TypeTextDelta, TypeTextEnd, TypeFinishStep,
		TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.Equal(t, "text_2", frames[2].(TextStartFrame).ID)
	require.Equal(t, "text_3", frames[8].(TextStartFrame).ID)
}

type panicSource struct{ calls int }

func (p *panicSource) Next(context.Context) (agentevent.Event, error) {
	p.calls++
	if p.calls == 1 {
		return agentevent.ModelStart("m"), nil
	}
	panic("tool registry corrupted")
}

func TestSourcePanicIsReportedInBand(t *testing.T) {
	frames, err := Collect(context.Background(), &panicSource{}, sequentialIDs())
	require.Error(t, err)
	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep, TypeError, TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(frames))
	require.Contains(t, frames[2].(ErrorFrame).ErrorText, "tool registry corrupted")
}

func TestSinkFailureStopsRun(t *testing.T) {
	gone := errors.New("broken pipe")
	src := agentevent.NewSliceSource(
		agentevent.ModelStart("m"),
		agentevent.ModelStream("one"),
		agentevent.ModelStream("two"),
	)
	written := 0
	err := NewTransducer().Run(context.Background(), src, SinkFunc(func(Frame) error {
		written++
		if written == 3 {
			return gone
		}
		return nil
	}))

	var sinkErr *SinkError
	require.ErrorAs(t, err, &sinkErr)
	require.ErrorIs(t, err, gone)
	require.Equal(t, 3, written)
}

func TestCancelledContextAbandonsSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	produced := make(chan struct{})
	src := agentevent.Go(ctx, func(ctx context.Context, emit agentevent.Emitter) error {
		defer close(produced)
		if err := emit.Emit(ctx, agentevent.ModelStart("m")); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	var frames []Frame
	err := NewTransducer().Run(ctx, src, SinkFunc(func(f Frame) error {
		frames = append(frames, f)
		if f.FrameType() == TypeStartStep {
			cancel()
		}
		return nil
	}))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, countType(frames, TypeError))
	<-produced
}

func TestFinishIsIdempotent(t *testing.T) {
	tr := NewTransducer(sequentialIDs())
	require.Len(t, tr.Start(), 1)
	require.Nil(t, tr.Start())
	require.Len(t, tr.Fail(io.ErrUnexpectedEOF), 1)
	require.Nil(t, tr.Fail(io.ErrUnexpectedEOF))
	require.Equal(t, []FrameType{TypeFinish, TypeDone}, frameTypes(tr.Finish()))
	require.Nil(t, tr.Finish())
	require.Nil(t, tr.Handle(agentevent.ModelStart("m")))
}

func TestParseToolOutput(t *testing.T) {
	cases := []struct {
		name    string
		content any
		want    string
	}{
		{"integer string", "6", `6`},
		{"object string", `{"ok":true}`, `{"ok":true}`},
		{"plain text", "six", `"six"`},
		{"trailing garbage", "6 apples", `"6 apples"`},
		{"big integer", "12345678901234567890", `12345678901234567890`},
		{"structured", map[string]any{"rows": []int{1, 2}}, `{"rows":[1,2]}`},
		{"number", 42, `42`},
		{"nil", nil, `null`},
		{"raw json", json.RawMessage(`[1,2]`), `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := json.Marshal(ParseToolOutput(tc.content))
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(got))
		})
	}

	rec, err := Encode(toolOutputAvailableFrame("call_1", ParseToolOutput(nil)))
	require.NoError(t, err)
	require.Equal(t, `data: {"type":"tool-output-available","toolCallId":"call_1","output":null}`+"\n\n", string(rec))
}

func TestConcurrentStreamsStayIndependent(t *testing.T) {
	// both producers block on overlap until each run has streamed its first
	// delta, so the two transducers are live at the same time
	var overlap sync.WaitGroup
	overlap.Add(2)

	textRun := func(ctx context.Context, emit agentevent.Emitter) error {
		if err := emit.Emit(ctx, agentevent.ModelStream("one ")); err != nil {
			return err
		}
		overlap.Done()
		overlap.Wait()
		for _, tok := range []string{"two ", "three"} {
			if err := emit.Emit(ctx, agentevent.ModelStream(tok)); err != nil {
				return err
			}
		}
		return emit.Emit(ctx, agentevent.ModelEnd(agentevent.AIMessage{Content: "one two three"}))
	}
	toolRun := func(ctx context.Context, emit agentevent.Emitter) error {
		if err := emit.Emit(ctx, agentevent.ModelStream("", agentevent.ToolCallChunk{ID: "c1", Name: "multiply", Args: `{"a":6,`})); err != nil {
			return err
		}
		overlap.Done()
		overlap.Wait()
		events := []agentevent.Event{
			agentevent.ModelStream("", agentevent.ToolCallChunk{ID: "c1", Args: `"b":7}`}),
			agentevent.ModelEnd(agentevent.AIMessage{ToolCalls: []agentevent.ToolCall{
				{ID: "c1", Name: "multiply", Args: map[string]any{"a": 6, "b": 7}},
			}}),
			agentevent.ToolEnd("multiply", "c1", "42"),
			agentevent.ModelStream("42"),
			agentevent.ModelEnd(agentevent.AIMessage{Content: "42"}),
		}
		for _, ev := range events {
			if err := emit.Emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}

	type result struct {
		frames   []Frame
		observed int
		err      error
	}
	run := func(messageID string, produce func(context.Context, agentevent.Emitter) error) result {
		var res result
		src := agentevent.Go(context.Background(), produce)
		res.err = Stream(context.Background(), src, SinkFunc(func(f Frame) error {
			res.frames = append(res.frames, f)
			return nil
		}), func(Frame) { res.observed++ }, WithMessageID(messageID))
		return res
	}

	var wg sync.WaitGroup
	var text, tool result
	wg.Add(2)
	go func() { defer wg.Done(); text = run("msg_text", textRun) }()
	go func() { defer wg.Done(); tool = run("msg_tool", toolRun) }()
	wg.Wait()

	require.NoError(t, text.err)
	require.NoError(t, tool.err)
	require.Equal(t, len(text.frames), text.observed)
	require.Equal(t, len(tool.frames), tool.observed)

	require.Equal(t, StartFrame{Type: TypeStart, MessageID: "msg_text"}, text.frames[0])
	require.Equal(t, StartFrame{Type: TypeStart, MessageID: "msg_tool"}, tool.frames[0])
	require.Equal(t, []FrameType{
		TypeStart, TypeStartStep,
		TypeTextStart, TypeTextDelta, TypeTextDelta, TypeTextDelta, TypeTextEnd,
		TypeFinishStep, TypeFinish, TypeDone,
	}, frameTypes(text.frames))

	var streamed strings.Builder
	for _, f := range text.frames {
		if d, ok := f.(TextDeltaFrame); ok {
			streamed.WriteString(d.Delta)
		}
	}
	require.Equal(t, "one two three", streamed.String())

	for _, res := range []result{text, tool} {
		require.Equal(t, 1, countType(res.frames, TypeStart))
		require.Equal(t, 1, countType(res.frames, TypeFinish))
		require.Equal(t, 1, countType(res.frames, TypeDone))
		require.Equal(t, Frame(Done), res.frames[len(res.frames)-1])
		require.Zero(t, countType(res.frames, TypeError))
	}
	require.Zero(t, countType(text.frames, TypeToolInputStart))
	require.Equal(t, 1, countType(tool.frames, TypeToolInputStart))
	require.Equal(t, 1, countType(tool.frames, TypeToolOutputAvailable))
	require.Equal(t, 1, countType(tool.frames, TypeTextDelta))
}
