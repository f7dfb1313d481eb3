// Package agent runs a tool-calling chat agent over a thread's history and
// reports its progress as agentevent records.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/agentevent"
	"github.com/tokligence/tokligence-chat/internal/openai"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

// ErrMaxIterations is returned when the model keeps requesting tools past
// the definition's iteration bound.
var ErrMaxIterations = errors.New("agent: maximum iterations reached")

// UsageRecorder receives the token usage of each model completion.
// *metrics.Collector satisfies it.
type UsageRecorder interface {
	RecordTokenUsage(model string, promptTokens, completionTokens int64)
}

// Options wires an Agent.
type Options struct {
	Definition Definition
	Model      adapter.StreamingChatAdapter
	// Tools is the pool the definition's tool names are picked from.
	// Defaults to Builtins.
	Tools *Registry
	Store threadstore.Store
	// Usage is optional.
	Usage  UsageRecorder
	Logger *log.Logger
	Debug  bool
}

// Agent executes runs for one Definition.
type Agent struct {
	def    Definition
	model  adapter.StreamingChatAdapter
	tools  *Registry
	store  threadstore.Store
	usage  UsageRecorder
	logger *log.Logger
	debug  bool
}

// New validates opts and builds an Agent.
func New(opts Options) (*Agent, error) {
	def := opts.Definition
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if opts.Model == nil {
		return nil, errors.New("agent: model adapter required")
	}
	if opts.Store == nil {
		return nil, errors.New("agent: thread store required")
	}
	pool := opts.Tools
	if pool == nil {
		var err error
		if pool, err = NewRegistry(Builtins()...); err != nil {
			return nil, err
		}
	}
	tools, err := pool.Select(def.Tools)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Agent{
		def:    def,
		model:  opts.Model,
		tools:  tools,
		store:  opts.Store,
		usage:  opts.Usage,
		logger: logger,
		debug:  opts.Debug,
	}, nil
}

// Definition returns the validated definition the agent runs.
func (a *Agent) Definition() Definition { return a.def }

func (a *Agent) debugf(format string, args ...any) {
	if a.debug {
		a.logger.Printf(format, args...)
	}
}

// Stream starts a run that answers input in thread threadID. The run
// proceeds only as fast as the returned source is consumed; closing the
// source or cancelling ctx stops it.
func (a *Agent) Stream(ctx context.Context, threadID, input string) *agentevent.ChannelSource {
	return agentevent.Go(ctx, func(ctx context.Context, emit agentevent.Emitter) error {
		err := a.run(ctx, threadID, input, emit)
		if err != nil && ctx.Err() == nil {
			a.logger.Printf("run failed thread=%s: %v", threadID, err)
		}
		return err
	})
}

func (a *Agent) run(ctx context.Context, threadID, input string, emit agentevent.Emitter) error {
	history, err := a.store.ListMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("agent: load history: %w", err)
	}
	human, err := a.store.AppendMessages(ctx, threadID, threadstore.Message{Role: threadstore.RoleHuman, Content: input})
	if err != nil {
		return fmt.Errorf("agent: store input: %w", err)
	}
	prompt := a.prompt(append(history, human...))
	a.debugf("run start thread=%s history=%d model=%s", threadID, len(history), a.def.Model)

	for iter := 1; iter <= a.def.MaxIterations; iter++ {
		reply, err := a.invokeModel(ctx, prompt, emit)
		if err != nil {
			return err
		}
		if _, err := a.store.AppendMessages(ctx, threadID, aiRecord(reply)); err != nil {
			return fmt.Errorf("agent: store reply: %w", err)
		}
		prompt = append(prompt, assistantMessage(reply))
		if len(reply.ToolCalls) == 0 {
			a.debugf("run done thread=%s iterations=%d", threadID, iter)
			return nil
		}

		results, err := a.runTools(ctx, reply.ToolCalls, emit)
		if err != nil {
			return err
		}
		records := make([]threadstore.Message, len(results))
		for i, call := range reply.ToolCalls {
			records[i] = threadstore.Message{Role: threadstore.RoleTool, Content: results[i], ToolCallID: call.ID, Name: call.Name}
			prompt = append(prompt, openai.ChatMessage{Role: "tool", Content: results[i], ToolCallID: call.ID, Name: call.Name})
		}
		if _, err := a.store.AppendMessages(ctx, threadID, records...); err != nil {
			return fmt.Errorf("agent: store tool results: %w", err)
		}
	}
	return ErrMaxIterations
}

// invokeModel streams one completion, emitting start, chunk and end events,
// and returns the finalized message.
func (a *Agent) invokeModel(ctx context.Context, prompt []openai.ChatMessage, emit agentevent.Emitter) (agentevent.AIMessage, error) {
	if err := emit.Emit(ctx, agentevent.ModelStart(a.def.Model)); err != nil {
		return agentevent.AIMessage{}, err
	}
	req := openai.ChatCompletionRequest{
		Model:       a.def.Model,
		Messages:    prompt,
		Tools:       a.tools.Definitions(),
		Temperature: a.def.Temperature,
	}
	if len(req.Tools) == 0 {
		req.Tools = nil
	}
	stream, err := a.model.CreateCompletionStream(ctx, req)
	if err != nil {
		return agentevent.AIMessage{}, fmt.Errorf("agent: model request: %w", err)
	}

	acc := openai.NewStreamAccumulator()
	var messageID string
	for ev := range stream {
		if ev.IsError() {
			return agentevent.AIMessage{}, fmt.Errorf("agent: model stream: %w", ev.Error)
		}
		if ev.Chunk == nil {
			continue
		}
		if messageID == "" {
			messageID = ev.Chunk.ID
		}
		ids := acc.Add(ev.Chunk)
		delta := ev.Chunk.GetDelta()
		var fragments []agentevent.ToolCallChunk
		for i, tc := range delta.ToolCalls {
			frag := agentevent.ToolCallChunk{ID: ids[i], Index: tc.Index}
			if tc.Function != nil {
				frag.Name = tc.Function.Name
				frag.Args = tc.Function.Arguments
			}
			fragments = append(fragments, frag)
		}
		if delta.Content == "" && len(fragments) == 0 {
			continue
		}
		if err := emit.Emit(ctx, agentevent.ModelStream(delta.Content, fragments...)); err != nil {
			return agentevent.AIMessage{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return agentevent.AIMessage{}, err
	}
	if u := acc.Usage(); u != nil && a.usage != nil {
		a.usage.RecordTokenUsage(a.def.Model, int64(u.PromptTokens), int64(u.CompletionTokens))
	}

	if messageID == "" {
		messageID = "run-" + uuid.NewString()
	}
	reply := agentevent.AIMessage{ID: messageID, Content: acc.Content()}
	for _, call := range acc.ToolCalls() {
		args := map[string]any{}
		if strings.TrimSpace(call.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return agentevent.AIMessage{}, fmt.Errorf("agent: invalid arguments for tool %s: %w", call.Function.Name, err)
			}
		}
		id := call.ID
		if id == "" {
			id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		reply.ToolCalls = append(reply.ToolCalls, agentevent.ToolCall{ID: id, Name: call.Function.Name, Args: args})
	}
	if err := emit.Emit(ctx, agentevent.ModelEnd(reply)); err != nil {
		return agentevent.AIMessage{}, err
	}
	return reply, nil
}

// runTools announces every call, executes them concurrently and reports the
// results in call order.
func (a *Agent) runTools(ctx context.Context, calls []agentevent.ToolCall, emit agentevent.Emitter) ([]string, error) {
	for _, call := range calls {
		if err := emit.Emit(ctx, agentevent.ToolStart(call.Name, call.Args)); err != nil {
			return nil, err
		}
	}

	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call agentevent.ToolCall) {
			defer wg.Done()
			results[i] = a.callTool(ctx, call)
		}(i, call)
	}
	wg.Wait()

	for i, call := range calls {
		if err := emit.Emit(ctx, agentevent.ToolEnd(call.Name, call.ID, results[i])); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Agent) callTool(ctx context.Context, call agentevent.ToolCall) (content string) {
	tool, ok := a.tools.Get(call.Name)
	if !ok {
		return fmt.Sprintf("Error: %s is not a valid tool, try one of [%s].", call.Name, strings.Join(a.tools.Names(), ", "))
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Printf("tool %s panicked: %v", call.Name, r)
			content = fmt.Sprintf("Error: tool %s panicked: %v", call.Name, r)
		}
	}()

	out, err := tool.Call(ctx, call.Args)
	if err != nil {
		a.debugf("tool %s failed: %v", call.Name, err)
		return "Error: " + err.Error()
	}
	switch v := out.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "Error: " + err.Error()
	}
	return string(data)
}

func (a *Agent) prompt(history []threadstore.Message) []openai.ChatMessage {
	msgs := make([]openai.ChatMessage, 0, len(history)+1)
	if strings.TrimSpace(a.def.SystemPrompt) != "" {
		msgs = append(msgs, openai.ChatMessage{Role: "system", Content: a.def.SystemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case threadstore.RoleHuman:
			msgs = append(msgs, openai.ChatMessage{Role: "user", Content: m.Content})
		case threadstore.RoleAI:
			msg := openai.ChatMessage{Role: "assistant", Content: m.Content}
			for _, c := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, wireToolCall(c.ID, c.Name, c.Args))
			}
			msgs = append(msgs, msg)
		case threadstore.RoleTool:
			msgs = append(msgs, openai.ChatMessage{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name})
		}
	}
	return msgs
}

func wireToolCall(id, name string, args map[string]any) openai.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	data, _ := json.Marshal(args)
	return openai.ToolCall{ID: id, Type: "function", Function: openai.FunctionCall{Name: name, Arguments: string(data)}}
}

func assistantMessage(reply agentevent.AIMessage) openai.ChatMessage {
	msg := openai.ChatMessage{Role: "assistant", Content: reply.Content}
	for _, c := range reply.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall(c.ID, c.Name, c.Args))
	}
	return msg
}

func aiRecord(reply agentevent.AIMessage) threadstore.Message {
	rec := threadstore.Message{ID: reply.ID, Role: threadstore.RoleAI, Content: reply.Content}
	for _, c := range reply.ToolCalls {
		rec.ToolCalls = append(rec.ToolCalls, threadstore.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args})
	}
	return rec
}
