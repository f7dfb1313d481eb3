package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/adapter/loopback"
	"github.com/tokligence/tokligence-chat/internal/agentevent"
	"github.com/tokligence/tokligence-chat/internal/openai"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
	"github.com/tokligence/tokligence-chat/internal/threadstore/memory"
	"github.com/tokligence/tokligence-chat/internal/uistream"
)

// scriptedModel replays one chunk list per completion request.
type scriptedModel struct {
	mu       sync.Mutex
	turns    [][]openai.ChatCompletionChunk
	requests []openai.ChatCompletionRequest
}

func (m *scriptedModel) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	turn := m.turns[0]
	if len(m.turns) > 1 {
		m.turns = m.turns[1:]
	}
	ch := make(chan adapter.StreamEvent, len(turn))
	for i := range turn {
		ch <- adapter.StreamEvent{Chunk: &turn[i]}
	}
	close(ch)
	return ch, nil
}

func toolCallTurn(id, name, args string) []openai.ChatCompletionChunk {
	finish := "tool_calls"
	return []openai.ChatCompletionChunk{
		openai.NewDeltaChunk("chatcmpl-x", "m", openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{{
			Index: 0, ID: id, Type: "function", Function: &openai.ToolFunctionPart{Name: name, Arguments: args},
		}}}, nil),
		openai.NewDeltaChunk("chatcmpl-x", "m", openai.ChatMessageDelta{}, &finish),
	}
}

func textTurn(text string) []openai.ChatCompletionChunk {
	stop := "stop"
	return []openai.ChatCompletionChunk{
		openai.NewDeltaChunk("chatcmpl-y", "m", openai.ChatMessageDelta{Content: text}, nil),
		openai.NewDeltaChunk("chatcmpl-y", "m", openai.ChatMessageDelta{}, &stop),
	}
}

func newThread(t *testing.T, store threadstore.Store) string {
	t.Helper()
	th, err := store.CreateThread(context.Background(), "guest", "test")
	require.NoError(t, err)
	return th.ID
}

func drain(t *testing.T, src agentevent.Source) ([]agentevent.Event, error) {
	t.Helper()
	var events []agentevent.Event
	for {
		ev, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func kinds(events []agentevent.Event) []agentevent.Kind {
	out := make([]agentevent.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestMultiplyRunWithLoopback(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	a, err := New(Options{Definition: DefaultDefinition(), Model: loopback.New(), Store: store})
	require.NoError(t, err)

	events, err := drain(t, a.Stream(context.Background(), threadID, "multiply 2 and 3"))
	require.NoError(t, err)

	require.Equal(t, []agentevent.Kind{
		agentevent.KindModelStart,
		agentevent.KindModelStream, agentevent.KindModelStream, agentevent.KindModelStream,
		agentevent.KindModelEnd,
		agentevent.KindToolStart,
		agentevent.KindToolEnd,
		agentevent.KindModelStart,
		agentevent.KindModelStream, agentevent.KindModelStream, agentevent.KindModelStream, agentevent.KindModelStream,
		agentevent.KindModelEnd,
	}, kinds(events))

	// continuation fragments carry the id of the call they extend
	for _, ev := range events[1:4] {
		require.Len(t, ev.Chunk.ToolCallChunks, 1)
		require.Equal(t, "call_2", ev.Chunk.ToolCallChunks[0].ID)
	}
	end := events[4].Output
	require.Len(t, end.ToolCalls, 1)
	require.Equal(t, map[string]any{"a": float64(2), "b": float64(3)}, end.ToolCalls[0].Args)
	require.Equal(t, "6", events[6].ToolOutput.Content)
	require.Equal(t, "call_2", events[6].ToolOutput.ToolCallID)
	require.Equal(t, "The result is 6.", events[12].Output.Content)

	msgs, err := store.ListMessages(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, threadstore.RoleHuman, msgs[0].Role)
	require.Equal(t, threadstore.RoleAI, msgs[1].Role)
	require.Equal(t, "multiply", msgs[1].ToolCalls[0].Name)
	require.Equal(t, threadstore.RoleTool, msgs[2].Role)
	require.Equal(t, "6", msgs[2].Content)
	require.Equal(t, "The result is 6.", msgs[3].Content)
}

type usageLog struct {
	mu      sync.Mutex
	models  []string
	prompts int64
}

func (u *usageLog) RecordTokenUsage(model string, promptTokens, completionTokens int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.models = append(u.models, model)
	u.prompts += promptTokens
}

func TestTokenUsageIsReported(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	usage := &usageLog{}
	def := DefaultDefinition()
	def.Model = "loopback"
	a, err := New(Options{Definition: def, Model: loopback.New(), Store: store, Usage: usage})
	require.NoError(t, err)

	_, err = drain(t, a.Stream(context.Background(), threadID, "multiply 2 and 3"))
	require.NoError(t, err)

	usage.mu.Lock()
	defer usage.mu.Unlock()
	require.Equal(t, []string{"loopback", "loopback"}, usage.models, "one report per completion")
	require.Positive(t, usage.prompts)
}

func TestRunTransducesToUIStream(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	a, err := New(Options{Definition: DefaultDefinition(), Model: loopback.New(), Store: store})
	require.NoError(t, err)

	frames, err := uistream.Collect(context.Background(), a.Stream(context.Background(), threadID, "what is 4 * 5"))
	require.NoError(t, err)

	var encoded strings.Builder
	for _, f := range frames {
		data, err := uistream.Encode(f)
		require.NoError(t, err)
		encoded.Write(data)
	}
	out := encoded.String()
	require.Contains(t, out, `data: {"type":"tool-input-available","toolCallId":"call_2","toolName":"multiply","input":{"a":4,"b":5}}`)
	require.Contains(t, out, `data: {"type":"tool-output-available","toolCallId":"call_2","output":20}`)
	require.True(t, strings.HasSuffix(out, "data: {\"type\":\"finish\"}\n\ndata: [DONE]\n\n"))
	require.NotContains(t, out, `"type":"error"`)
}

func TestHistoryIsReplayed(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	model := &scriptedModel{turns: [][]openai.ChatCompletionChunk{textTurn("hi")}}
	a, err := New(Options{Definition: DefaultDefinition(), Model: model, Store: store})
	require.NoError(t, err)

	_, err = drain(t, a.Stream(context.Background(), threadID, "first"))
	require.NoError(t, err)
	_, err = drain(t, a.Stream(context.Background(), threadID, "second"))
	require.NoError(t, err)

	require.Len(t, model.requests, 2)
	second := model.requests[1].Messages
	require.Equal(t, "system", second[0].Role)
	require.Equal(t, []string{"user", "assistant", "user"}, []string{second[1].Role, second[2].Role, second[3].Role})
	require.Equal(t, "second", second[3].Content)
	require.Len(t, model.requests[1].Tools, 1)
}

func TestMaxIterations(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	model := &scriptedModel{turns: [][]openai.ChatCompletionChunk{toolCallTurn("call_loop", "multiply", `{"a":1,"b":1}`)}}
	def := DefaultDefinition()
	def.MaxIterations = 2
	a, err := New(Options{Definition: def, Model: model, Store: store})
	require.NoError(t, err)

	events, err := drain(t, a.Stream(context.Background(), threadID, "loop"))
	require.ErrorIs(t, err, ErrMaxIterations)
	require.Len(t, model.requests, 2)
	require.Equal(t, agentevent.KindToolEnd, events[len(events)-1].Kind)
}

func TestInvalidArgumentsFailTheRun(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	model := &scriptedModel{turns: [][]openai.ChatCompletionChunk{toolCallTurn("call_bad", "multiply", `{"a":`)}}
	a, err := New(Options{Definition: DefaultDefinition(), Model: model, Store: store})
	require.NoError(t, err)

	_, err = drain(t, a.Stream(context.Background(), threadID, "bad"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid arguments for tool multiply")

	msgs, err := store.ListMessages(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the human message stays persisted")
}

func TestToolErrorsBecomeToolContent(t *testing.T) {
	failing := NewTypedTool("explode", "Always fails.", func(context.Context, struct{}) (string, error) {
		return "", errors.New("boom")
	})
	tools, err := NewRegistry(Multiply(), failing)
	require.NoError(t, err)

	store := memory.New()
	threadID := newThread(t, store)
	model := &scriptedModel{turns: [][]openai.ChatCompletionChunk{
		toolCallTurn("call_1", "explode", `{}`),
		toolCallTurn("call_2", "missing", `{}`),
		textTurn("gave up"),
	}}
	def := DefaultDefinition()
	def.Tools = []string{"multiply", "explode"}
	a, err := New(Options{Definition: def, Model: model, Tools: tools, Store: store})
	require.NoError(t, err)

	events, err := drain(t, a.Stream(context.Background(), threadID, "try"))
	require.NoError(t, err)

	var outputs []any
	for _, ev := range events {
		if ev.Kind == agentevent.KindToolEnd {
			outputs = append(outputs, ev.ToolOutput.Content)
		}
	}
	require.Equal(t, []any{
		"Error: boom",
		"Error: missing is not a valid tool, try one of [explode, multiply].",
	}, outputs)
}

func TestParallelToolResultsKeepCallOrder(t *testing.T) {
	slow := NewTypedTool("slow", "Sleeps.", func(_ context.Context, args struct {
		Ms int `json:"ms"`
	}) (int, error) {
		time.Sleep(time.Duration(args.Ms) * time.Millisecond)
		return args.Ms, nil
	})
	tools, err := NewRegistry(slow)
	require.NoError(t, err)

	finish := "tool_calls"
	turn := []openai.ChatCompletionChunk{
		openai.NewDeltaChunk("x", "m", openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{
			{Index: 0, ID: "call_a", Function: &openai.ToolFunctionPart{Name: "slow", Arguments: `{"ms":40}`}},
			{Index: 1, ID: "call_b", Function: &openai.ToolFunctionPart{Name: "slow", Arguments: `{"ms":1}`}},
		}}, nil),
		openai.NewDeltaChunk("x", "m", openai.ChatMessageDelta{}, &finish),
	}
	store := memory.New()
	threadID := newThread(t, store)
	def := DefaultDefinition()
	def.Tools = []string{"slow"}
	a, err := New(Options{Definition: def, Model: &scriptedModel{turns: [][]openai.ChatCompletionChunk{turn, textTurn("done")}}, Tools: tools, Store: store})
	require.NoError(t, err)

	events, err := drain(t, a.Stream(context.Background(), threadID, "go"))
	require.NoError(t, err)

	var order []string
	var starts int
	for _, ev := range events {
		switch ev.Kind {
		case agentevent.KindToolStart:
			starts++
			require.Empty(t, order, "all starts precede the first result")
		case agentevent.KindToolEnd:
			order = append(order, ev.ToolOutput.ToolCallID)
		}
	}
	require.Equal(t, 2, starts)
	require.Equal(t, []string{"call_a", "call_b"}, order)
}

func TestClosingTheSourceStopsTheRun(t *testing.T) {
	store := memory.New()
	threadID := newThread(t, store)
	a, err := New(Options{Definition: DefaultDefinition(), Model: loopback.New(loopback.WithChunkDelay(time.Second)), Store: store})
	require.NoError(t, err)

	src := a.Stream(context.Background(), threadID, "a long echo that takes a while")
	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, agentevent.KindModelStart, ev.Kind)

	src.Close()
	done := make(chan struct{})
	go func() {
		src.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop after Close")
	}
}

func TestMissingThreadFailsInBand(t *testing.T) {
	a, err := New(Options{Definition: DefaultDefinition(), Model: loopback.New(), Store: memory.New()})
	require.NoError(t, err)
	_, err = drain(t, a.Stream(context.Background(), "nope", "hi"))
	require.ErrorIs(t, err, threadstore.ErrNotFound)
}

func TestNewRejectsUnknownTools(t *testing.T) {
	def := DefaultDefinition()
	def.Tools = []string{"divide"}
	_, err := New(Options{Definition: def, Model: loopback.New(), Store: memory.New()})
	require.Error(t, err)
}

func TestMultiplySchema(t *testing.T) {
	var schema map[string]any
	require.NoError(t, json.Unmarshal(Multiply().Schema(), &schema))
	require.Equal(t, "object", schema["type"])
	require.NotContains(t, schema, "$schema")
	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "a")
	require.Contains(t, props, "b")
	require.ElementsMatch(t, []any{"a", "b"}, schema["required"])

	out, err := Multiply().Call(context.Background(), map[string]any{"a": float64(7), "b": float64(6)})
	require.NoError(t, err)
	require.Equal(t, 42, out)
}

func TestUnnamedArgumentTypesReflect(t *testing.T) {
	ping := NewTypedTool("ping", "Replies pong.", func(context.Context, struct{}) (string, error) {
		return "pong", nil
	})
	var schema map[string]any
	require.NoError(t, json.Unmarshal(ping.Schema(), &schema))
	require.Equal(t, "object", schema["type"])
	require.NotContains(t, schema, "$ref")

	out, err := ping.Call(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "pong", out)

	inline := NewTypedTool("sleep", "Sleeps.", func(_ context.Context, args struct {
		Ms int `json:"ms"`
	}) (int, error) {
		return args.Ms, nil
	})
	require.NoError(t, json.Unmarshal(inline.Schema(), &schema))
	require.Equal(t, "object", schema["type"])
	require.Contains(t, schema["properties"].(map[string]any), "ms")
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: calc\nmodel: qwen3:32b\nmax_iterations: 5\ntemperature: 0.2\n"), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	require.Equal(t, "calc", def.Name)
	require.Equal(t, "qwen3:32b", def.Model)
	require.Equal(t, 5, def.MaxIterations)
	require.Equal(t, []string{"multiply"}, def.Tools)
	require.NotNil(t, def.Temperature)
	require.InDelta(t, 0.2, *def.Temperature, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("model: m\nunknown_key: 1\n"), 0o644))
	_, err = LoadDefinition(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("model: \"\"\n"), 0o644))
	_, err = LoadDefinition(path)
	require.Error(t, err)
}
