package openai

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

var _ adapter.StreamingChatAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter streams chat completions from an OpenAI compatible endpoint
// (OpenAI itself, Ollama, vLLM and friends).
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// The timeout bounds connection and response headers only; a streamed body
	// may legitimately outlive it.
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &OpenAIAdapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// BaseURL returns the normalized endpoint root.
func (a *OpenAIAdapter) BaseURL() string { return a.baseURL }

// CreateCompletionStream posts a streaming chat completion request and relays
// the upstream SSE chunks.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (<-chan adapter.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}

	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
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
		if err := relay(ctx, resp.Body, ch); err != nil {
			send(ctx, ch, adapter.StreamEvent{Error: err})
		}
	}()
	return ch, nil
}

func relay(ctx context.Context, body io.Reader, ch chan<- adapter.StreamEvent) error {
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
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			var upstream struct {
				Error *apiError `json:"error"`
			}
			if json.Unmarshal([]byte(payload), &upstream) == nil && upstream.Error != nil {
				return upstream.Error
			}
			return fmt.Errorf("openai: parse chunk: %w", err)
		}
		if len(chunk.Choices) == 0 && chunk.Usage == nil {
			var upstream struct {
				Error *apiError `json:"error"`
			}
			if json.Unmarshal([]byte(payload), &upstream) == nil && upstream.Error != nil {
				return upstream.Error
			}
		}
		if !send(ctx, ch, adapter.StreamEvent{Chunk: &chunk}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("openai: read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("openai: stream ended without [DONE]")
}

func send(ctx context.Context, ch chan<- adapter.StreamEvent, ev adapter.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("openai: %s (type=%s, code=%v)", e.Message, e.Type, e.Code)
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
		Err:        fmt.Errorf("openai: http %d: %s", status, strings.TrimSpace(string(body))),
	}
}
