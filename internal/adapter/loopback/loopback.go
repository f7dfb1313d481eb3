package loopback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.StreamingChatAdapter = (*LoopbackAdapter)(nil)

var (
	multiplyWords  = regexp.MustCompile(`(?i)multiply\s+(-?\d+(?:\.\d+)?)\s+(?:and|by|with)\s+(-?\d+(?:\.\d+)?)`)
	multiplySymbol = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*[*x×]\s*(-?\d+(?:\.\d+)?)`)
)

// LoopbackAdapter is an offline model. It echoes the last user message, asks
// for the multiply tool when the message looks like a product and the tool is
// offered, and reports the tool result once one is present.
type LoopbackAdapter struct {
	delay time.Duration
}

// Option customises a LoopbackAdapter.
type Option func(*LoopbackAdapter)

// WithChunkDelay sleeps between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(a *LoopbackAdapter) { a.delay = d }
}

// New creates a LoopbackAdapter instance.
func New(opts ...Option) *LoopbackAdapter {
	a := &LoopbackAdapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateCompletionStream fabricates a deterministic streamed completion.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages provided")
	}
	chunks := a.plan(req)
	ch := make(chan adapter.StreamEvent)
	go func() {
		defer close(ch)
		for i := range chunks {
			if i > 0 && a.delay > 0 {
				select {
				case <-time.After(a.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- adapter.StreamEvent{Chunk: &chunks[i]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (a *LoopbackAdapter) plan(req openai.ChatCompletionRequest) []openai.ChatCompletionChunk {
	id := fmt.Sprintf("chatcmpl-loopback-%d", len(req.Messages))
	last := req.Messages[len(req.Messages)-1]

	if strings.EqualFold(last.Role, "tool") {
		return textChunks(id, req, "The result is "+strings.TrimSpace(last.Content)+".")
	}

	message := last
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}
	if x, y, ok := parseProduct(message.Content); ok && offersTool(req.Tools, "multiply") {
		return toolCallChunks(id, req, fmt.Sprintf("call_%d", len(req.Messages)), "multiply", x, y)
	}
	return textChunks(id, req, "[loopback] "+strings.TrimSpace(message.Content))
}

func parseProduct(text string) (string, string, bool) {
	for _, re := range []*regexp.Regexp{multiplyWords, multiplySymbol} {
		if m := re.FindStringSubmatch(text); m != nil {
			if _, err := strconv.ParseFloat(m[1], 64); err != nil {
				continue
			}
			if _, err := strconv.ParseFloat(m[2], 64); err != nil {
				continue
			}
			return m[1], m[2], true
		}
	}
	return "", "", false
}

func offersTool(tools []openai.Tool, name string) bool {
	for _, t := range tools {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}

func textChunks(id string, req openai.ChatCompletionRequest, reply string) []openai.ChatCompletionChunk {
	chunks := []openai.ChatCompletionChunk{openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{Role: "assistant"}, nil)}
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{Content: w}, nil))
	}
	stop := "stop"
	chunks = append(chunks, openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{}, &stop))
	return append(chunks, usageChunk(id, req, len(reply)/4))
}

// toolCallChunks streams a single call the way OpenAI does: only the first
// fragment carries the id and name, the rest are matched by index.
func toolCallChunks(id string, req openai.ChatCompletionRequest, callID, name, x, y string) []openai.ChatCompletionChunk {
	fragments := []string{`{"a":`, x + `,"b":`, y + `}`}
	chunks := []openai.ChatCompletionChunk{openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{Role: "assistant"}, nil)}
	for i, frag := range fragments {
		delta := openai.ToolCallDelta{Index: 0, Function: &openai.ToolFunctionPart{Arguments: frag}}
		if i == 0 {
			delta.ID = callID
			delta.Type = "function"
			delta.Function.Name = name
		}
		chunks = append(chunks, openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{delta}}, nil))
	}
	finish := "tool_calls"
	chunks = append(chunks, openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{}, &finish))
	return append(chunks, usageChunk(id, req, len(x)+len(y)+12))
}

func usageChunk(id string, req openai.ChatCompletionRequest, completion int) openai.ChatCompletionChunk {
	chunk := openai.NewDeltaChunk(id, req.Model, openai.ChatMessageDelta{}, nil)
	chunk.Choices = nil
	chunk.Usage = &openai.UsageBreakdown{
		PromptTokens:     len(req.Messages) * 10,
		CompletionTokens: completion,
		TotalTokens:      len(req.Messages)*10 + completion,
	}
	return chunk
}
