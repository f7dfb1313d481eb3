package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tokligence/tokligence-chat/internal/uistream"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChatClient talks to the chatd REST and streaming API as one guest.
type ChatClient struct {
	baseURL    *url.URL
	guestID    string
	httpClient HTTPClient
}

// NewChatClient constructs a client using the provided base URL. The default
// HTTP client has no overall timeout; bound calls with their context.
func NewChatClient(baseURL, guestID string, httpClient HTTPClient) (*ChatClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if strings.TrimSpace(guestID) == "" {
		return nil, fmt.Errorf("guest id required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ChatClient{baseURL: parsed, guestID: guestID, httpClient: httpClient}, nil
}

// Thread is one entry of the thread list.
type Thread struct {
	ThreadID  string `json:"thread_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Message is one stored human or ai message.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

// errorResponse matches the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *ChatClient) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-guest-id", c.guestID)
	return req, nil
}

func (c *ChatClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return nil, fmt.Errorf("chatd error: %s", errPayload.Error)
		}
		return nil, fmt.Errorf("chatd error: status %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *ChatClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func threadPath(id string, rest ...string) string {
	return "/api/threads/" + url.PathEscape(id) + strings.Join(rest, "")
}

// ListThreads returns the guest's threads, newest first.
func (c *ChatClient) ListThreads(ctx context.Context) ([]Thread, error) {
	var resp struct {
		Threads []Thread `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/threads", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// CreateThread starts a thread titled with query and returns its id.
func (c *ChatClient) CreateThread(ctx context.Context, query string) (string, error) {
	var resp struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/threads", map[string]any{"query": query}, &resp); err != nil {
		return "", err
	}
	return resp.ThreadID, nil
}

func (c *ChatClient) RenameThread(ctx context.Context, id, title string) error {
	return c.doJSON(ctx, http.MethodPatch, threadPath(id), map[string]any{"title": title}, nil)
}

func (c *ChatClient) DeleteThread(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, threadPath(id), nil, nil)
}

// ListMessages returns the thread's human and ai messages.
func (c *ChatClient) ListMessages(ctx context.Context, id string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, threadPath(id, "/messages"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts query to the thread and hands every decoded stream record
// to onRecord until the [DONE] record. A non-nil error from onRecord stops
// reading.
func (c *ChatClient) SendMessage(ctx context.Context, id, query string, onRecord func(uistream.Record) error) error {
	req, err := c.newRequest(ctx, http.MethodPost, threadPath(id, "/messages"), map[string]any{"query": query})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v := resp.Header.Get(uistream.ProtocolHeader); v != uistream.ProtocolVersion {
		return fmt.Errorf("unexpected stream protocol %q", v)
	}

	dec := uistream.NewDecoder(resp.Body)
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			return fmt.Errorf("stream ended without [DONE]")
		}
		if err != nil {
			return err
		}
		if err := onRecord(rec); err != nil {
			return err
		}
		if rec.Done {
			return nil
		}
	}
}
