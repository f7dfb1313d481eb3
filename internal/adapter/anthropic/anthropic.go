package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter"
	"github.com/tokligence/tokligence-chat/internal/openai"
)

var _ adapter.StreamingChatAdapter = (*AnthropicAdapter)(nil)

// AnthropicAdapter streams chat completions from the Anthropic Messages API
// (Claude) and relays them as OpenAI chunks, tool calls included.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	version    string // API version header
	maxTokens  int
}

// Config holds configuration for the Anthropic adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	MaxTokens      int    // used when the request sets none, defaults to 4096
	RequestTimeout time.Duration
}

// New creates an AnthropicAdapter instance.
func New(cfg Config) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &AnthropicAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		version:    version,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// BaseURL returns the normalized endpoint root.
func (a *AnthropicAdapter) BaseURL() string { return a.baseURL }

// CreateCompletionStream converts the request to a Messages API call and
// relays the streamed content blocks as OpenAI chunks.
func (a *AnthropicAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}

	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	payload := anthropicRequest{
		Model:       mapModelName(req.Model),
		Messages:    messages,
		System:      systemPrompt,
		MaxTokens:   a.maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload.Tools = convertTools(req.Tools)
		payload.ToolChoice = convertToolChoice(req.ToolChoice)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, upstreamError(resp.StatusCode, data)
	}

	ch := make(chan adapter.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		s := &streamState{model: req.Model, toolIndex: make(map[int]int)}
		if err := s.relay(ctx, resp.Body, ch); err != nil {
			send(ctx, ch, adapter.StreamEvent{Error: err})
		}
	}()
	return ch, nil
}

// streamState tracks one response: content block indexes cover text and
// tool_use blocks alike, while OpenAI tool call indexes count tool calls only.
type streamState struct {
	model       string
	id          string
	roleEmitted bool
	toolIndex   map[int]int
	usage       openai.UsageBreakdown
}

func (s *streamState) relay(ctx context.Context, body io.Reader, ch chan<- adapter.StreamEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "{}" {
			continue
		}
		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return fmt.Errorf("anthropic: parse stream: %w", err)
		}

		var chunk *openai.ChatCompletionChunk
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				s.id = evt.Message.ID
				s.usage.PromptTokens = evt.Message.Usage.InputTokens
				s.usage.CompletionTokens = evt.Message.Usage.OutputTokens
			}
		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				idx := len(s.toolIndex)
				s.toolIndex[evt.Index] = idx
				chunk = s.chunk(openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{{
					Index:    idx,
					ID:       evt.ContentBlock.ID,
					Type:     "function",
					Function: &openai.ToolFunctionPart{Name: evt.ContentBlock.Name},
				}}}, nil)
			}
		case "content_block_delta":
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" {
					chunk = s.chunk(openai.ChatMessageDelta{Content: evt.Delta.Text}, nil)
				}
			case "input_json_delta":
				idx, ok := s.toolIndex[evt.Index]
				if ok && evt.Delta.PartialJSON != "" {
					chunk = s.chunk(openai.ChatMessageDelta{ToolCalls: []openai.ToolCallDelta{{
						Index:    idx,
						Function: &openai.ToolFunctionPart{Arguments: evt.Delta.PartialJSON},
					}}}, nil)
				}
			}
		case "message_delta":
			if evt.Usage != nil {
				s.usage.CompletionTokens = evt.Usage.OutputTokens
			}
			if evt.Delta.StopReason != "" {
				finish := mapStopReason(evt.Delta.StopReason)
				chunk = s.chunk(openai.ChatMessageDelta{}, &finish)
			}
		case "message_stop":
			usage := s.usage
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			last := s.chunk(openai.ChatMessageDelta{}, nil)
			last.Choices = nil
			last.Usage = &usage
			send(ctx, ch, adapter.StreamEvent{Chunk: last})
			return nil
		case "error":
			if evt.Error != nil {
				return evt.Error
			}
			return errors.New("anthropic: stream error")
		}
		if chunk != nil && !send(ctx, ch, adapter.StreamEvent{Chunk: chunk}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("anthropic: read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("anthropic: stream ended without message_stop")
}

func (s *streamState) chunk(delta openai.ChatMessageDelta, finish *string) *openai.ChatCompletionChunk {
	if !s.roleEmitted {
		s.roleEmitted = true
		delta.Role = "assistant"
	}
	id := s.id
	if id == "" {
		id = "msg-stream"
	}
	c := openai.NewDeltaChunk(id, s.model, delta, finish)
	return &c
}

func send(ctx context.Context, ch chan<- adapter.StreamEvent, ev adapter.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicChoice   `json:"tool_choice,omitempty"`
}

// anthropicMessage represents a message in Anthropic's format.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock is a text, tool_use or tool_result block.
type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// anthropicUsage represents token usage in Anthropic's format.
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Streaming event minimal schema
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string         `json:"id"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

// convertMessages converts OpenAI messages to Anthropic format. System
// messages become the system prompt, tool results become tool_result blocks
// on a user turn, and consecutive turns of the same role are merged.
func convertMessages(openaiMessages []openai.ChatMessage) ([]anthropicMessage, string, error) {
	var messages []anthropicMessage
	var systemPrompt string

	for _, msg := range openaiMessages {
		role := strings.ToLower(msg.Role)
		var blocks []anthropicContentBlock

		switch role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		case "assistant":
			if msg.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(strings.TrimSpace(tc.Function.Arguments))
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
		case "tool":
			role = "user"
			blocks = append(blocks, anthropicContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content})
		default:
			role = "user"
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: msg.Content})
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}

	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}

	return messages, systemPrompt, nil
}

func convertTools(tools []openai.Tool) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Function.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, anthropicTool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: schema})
	}
	return out
}

// convertToolChoice maps "auto", "required" and a named function; anything
// else leaves the choice to the model.
func convertToolChoice(choice any) *anthropicChoice {
	switch v := choice.(type) {
	case string:
		switch v {
		case "required":
			return &anthropicChoice{Type: "any"}
		case "none":
			return &anthropicChoice{Type: "none"}
		}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, _ := fn["name"].(string); name != "" {
				return &anthropicChoice{Type: "tool", Name: name}
			}
		}
	}
	return nil
}

// mapModelName resolves short aliases; full model names pass through.
func mapModelName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))

	switch model {
	case "claude", "claude-sonnet":
		return "claude-sonnet-4-5"
	case "claude-haiku":
		return "claude-haiku-4-5"
	case "claude-opus":
		return "claude-opus-4-1"
	}
	return model
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("anthropic: %s (type=%s)", e.Message, e.Type)
}

func upstreamError(status int, body []byte) error {
	var errResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &adapter.StatusError{StatusCode: status, Err: &errResp.Error}
	}
	return &adapter.StatusError{
		StatusCode: status,
		Err:        fmt.Errorf("anthropic: http %d: %s", status, strings.TrimSpace(string(body))),
	}
}
