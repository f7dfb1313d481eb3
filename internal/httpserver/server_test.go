package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chat/internal/adapter/loopback"
	"github.com/tokligence/tokligence-chat/internal/agent"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
	"github.com/tokligence/tokligence-chat/internal/threadstore/memory"
	"github.com/tokligence/tokligence-chat/internal/uistream"
)

type testEnv struct {
	store   threadstore.Store
	server  *Server
	handler http.Handler
}

func newTestEnv(t *testing.T, ping time.Duration, opts ...loopback.Option) *testEnv {
	t.Helper()
	store := memory.New()
	def := agent.DefaultDefinition()
	def.Model = "loopback"
	ag, err := agent.New(agent.Options{Definition: def, Model: loopback.New(opts...), Store: store})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	srv, err := New(Options{Store: store, Agent: ag, PingInterval: ping})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{store: store, server: srv, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path, guest string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if guest != "" {
		req.Header.Set(GuestHeader, guest)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) createThread(t *testing.T, guest string, query any) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/threads", guest, map[string]any{"query": query})
	if rec.Code != http.StatusOK {
		t.Fatalf("create thread: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		ThreadID string `json:"thread_id"`
	}
	decodeBody(t, rec, &out)
	if out.ThreadID == "" {
		t.Fatalf("missing thread id in %s", rec.Body.String())
	}
	return out.ThreadID
}

func TestLiveness(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected liveness response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var out struct {
		Status     string `json:"status"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
	}
	decodeBody(t, rec, &out)
	if out.Status != "healthy" || len(out.Components) != 1 || out.Components[0].Name != "thread_store" {
		t.Fatalf("unexpected health %s", rec.Body.String())
	}
}

func TestGuestHeaderRequired(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/threads"},
		{http.MethodPost, "/api/threads"},
		{http.MethodGet, "/api/threads/x/messages"},
		{http.MethodPost, "/api/threads/x/messages"},
	} {
		rec := env.do(t, tc.method, tc.path, "", map[string]any{"query": "hi"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.method, tc.path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "x-guest-id") {
			t.Fatalf("unexpected error body %s", rec.Body.String())
		}
	}
}

func TestThreadLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)
	first := env.createThread(t, "g1", "first question")
	time.Sleep(2 * time.Millisecond)
	second := env.createThread(t, "g1", []map[string]any{
		{"type": "text", "text": "part one"},
		{"type": "image", "text": "ignored"},
		{"type": "text", "text": "part two"},
	})

	rec := env.do(t, http.MethodGet, "/api/threads", "g1", nil)
	var list struct {
		Threads []threadInfo `json:"threads"`
	}
	decodeBody(t, rec, &list)
	if len(list.Threads) != 2 || list.Threads[0].ThreadID != second || list.Threads[1].ThreadID != first {
		t.Fatalf("expected newest first, got %+v", list.Threads)
	}
	if list.Threads[0].Title != "part one\npart two" || list.Threads[1].Title != "first question" {
		t.Fatalf("unexpected titles %+v", list.Threads)
	}
	if _, err := time.Parse(time.RFC3339Nano, list.Threads[0].CreatedAt); err != nil {
		t.Fatalf("created_at not RFC3339: %v", err)
	}

	rec = env.do(t, http.MethodPatch, "/api/threads/"+first, "g1", map[string]any{"title": "renamed"})
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	th, err := env.store.GetThread(t.Context(), first)
	if err != nil || th.Title != "renamed" {
		t.Fatalf("rename not stored: %+v %v", th, err)
	}

	rec = env.do(t, http.MethodDelete, "/api/threads/"+second, "g1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/threads", "g1", nil), &list)
	if len(list.Threads) != 1 || list.Threads[0].ThreadID != first {
		t.Fatalf("unexpected threads after delete %+v", list.Threads)
	}
}

func TestCreateThreadRejectsEmptyQuery(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, body := range []any{
		map[string]any{"query": ""},
		map[string]any{},
		map[string]any{"query": 42},
	} {
		rec := env.do(t, http.MethodPost, "/api/threads", "g1", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestOtherGuestsThreadsAreNotFound(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.createThread(t, "owner", "mine")

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPatch, "/api/threads/" + id, map[string]any{"title": "x"}},
		{http.MethodDelete, "/api/threads/" + id, nil},
		{http.MethodGet, "/api/threads/" + id + "/messages", nil},
		{http.MethodPost, "/api/threads/" + id + "/messages", map[string]any{"query": "hi"}},
		{http.MethodGet, "/api/threads/missing/messages", nil},
	} {
		rec := env.do(t, tc.method, tc.path, "intruder", tc.body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
	var list struct {
		Threads []threadInfo `json:"threads"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/api/threads", "intruder", nil), &list)
	if len(list.Threads) != 0 {
		t.Fatalf("intruder sees %+v", list.Threads)
	}
}

func TestStreamMessage(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.createThread(t, "g1", "math")

	rec := env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "multiply 3 by 4"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(uistream.ProtocolHeader); got != uistream.ProtocolVersion {
		t.Fatalf("missing protocol header, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	records, err := uistream.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if len(records) < 3 || records[0].Type != uistream.TypeStart || !records[len(records)-1].Done {
		t.Fatalf("unexpected stream shape %+v", records)
	}
	if records[len(records)-2].Type != uistream.TypeFinish {
		t.Fatalf("expected finish before [DONE], got %s", records[len(records)-2].Type)
	}
	var input, output map[string]any
	var text strings.Builder
	for _, rec := range records {
		switch rec.Type {
		case uistream.TypeToolInputAvailable:
			input = rec.Data
		case uistream.TypeToolOutputAvailable:
			output = rec.Data
		case uistream.TypeTextDelta:
			text.WriteString(rec.Data["delta"].(string))
		case uistream.TypeError:
			t.Fatalf("unexpected error frame %v", rec.Data)
		}
	}
	if input == nil || input["toolName"] != "multiply" {
		t.Fatalf("missing tool input frame: %v", input)
	}
	if args, _ := input["input"].(map[string]any); args["a"] != float64(3) || args["b"] != float64(4) {
		t.Fatalf("unexpected tool input %v", input["input"])
	}
	if output == nil || output["output"] != float64(12) || output["toolCallId"] != input["toolCallId"] {
		t.Fatalf("unexpected tool output %v", output)
	}
	if text.String() != "The result is 12." {
		t.Fatalf("unexpected text %q", text.String())
	}

	msgRec := env.do(t, http.MethodGet, "/api/threads/"+id+"/messages", "g1", nil)
	var msgs struct {
		Messages []messageInfo `json:"messages"`
	}
	decodeBody(t, msgRec, &msgs)
	if len(msgs.Messages) != 3 {
		t.Fatalf("expected human + two ai messages, got %+v", msgs.Messages)
	}
	if msgs.Messages[0].Type != "human" || msgs.Messages[0].Content != "multiply 3 by 4" {
		t.Fatalf("unexpected first message %+v", msgs.Messages[0])
	}
	if msgs.Messages[2].Type != "ai" || msgs.Messages[2].Content != "The result is 12." || msgs.Messages[2].ID == "" {
		t.Fatalf("unexpected final message %+v", msgs.Messages[2])
	}

	metricsRec := env.do(t, http.MethodGet, "/metrics", "", nil)
	body := metricsRec.Body.String()
	for _, want := range []string{
		`chat_runs_total{outcome="completed"} 1`,
		`chat_tool_calls_total{tool="multiply"} 1`,
		`chat_frames_total{type="[DONE]"} 1`,
		`chat_requests_total{endpoint="/api/threads/{threadID}/messages"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestStreamMessageEcho(t *testing.T) {
	env := newTestEnv(t, 0)
	id := env.createThread(t, "g1", "hello")
	rec := env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "hello there"})
	records, err := uistream.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	var text strings.Builder
	for _, r := range records {
		if r.Type == uistream.TypeTextDelta {
			text.WriteString(r.Data["delta"].(string))
		}
		if r.Type == uistream.TypeToolInputStart {
			t.Fatalf("unexpected tool call")
		}
	}
	if text.String() != "[loopback] hello there" {
		t.Fatalf("unexpected text %q", text.String())
	}
}

func TestStreamKeepAlive(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond, loopback.WithChunkDelay(10*time.Millisecond))
	id := env.createThread(t, "g1", "hello")
	rec := env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "one two three four"})
	raw := rec.Body.String()
	if !strings.Contains(raw, ": ping\n\n") {
		t.Fatalf("expected keep-alive comments in %q", raw)
	}
	if !strings.HasSuffix(raw, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with [DONE], got %q", raw)
	}
}

func TestStreamOutcome(t *testing.T) {
	if streamOutcome(nil) != "completed" {
		t.Fatalf("nil error should complete")
	}
	if streamOutcome(&uistream.SinkError{Err: io.ErrClosedPipe}) != "aborted" {
		t.Fatalf("sink errors should abort")
	}
	if streamOutcome(agent.ErrMaxIterations) != "failed" {
		t.Fatalf("run errors should fail")
	}
}

func TestStreamRunLimiter(t *testing.T) {
	store := memory.New()
	ag, err := agent.New(agent.Options{Definition: agent.DefaultDefinition(), Model: loopback.New(), Store: store})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.01, Burst: 1})
	defer limiter.Close()
	srv, err := New(Options{Store: store, Agent: ag, RunLimiter: limiter})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env := &testEnv{store: store, server: srv, handler: srv.Router()}
	id := env.createThread(t, "g1", "hi")

	if rec := env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "hi"}); rec.Code != http.StatusOK {
		t.Fatalf("first run: %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "again"})
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
	// thread management is not limited
	if rec := env.do(t, http.MethodGet, "/api/threads/"+id+"/messages", "g1", nil); rec.Code != http.StatusOK {
		t.Fatalf("listing messages: %d", rec.Code)
	}
}

func TestLifecycleHooks(t *testing.T) {
	env := newTestEnv(t, 0)
	events := make(chan hooks.Event, 8)
	d := &hooks.Dispatcher{}
	d.Register(func(_ context.Context, evt hooks.Event) error {
		events <- evt
		return nil
	})
	env.server.hooks = d

	next := func() hooks.Event {
		t.Helper()
		select {
		case evt := <-events:
			return evt
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for hook event")
			return hooks.Event{}
		}
	}

	id := env.createThread(t, "g1", "hello")
	if evt := next(); evt.Type != hooks.EventThreadCreated || evt.ThreadID != id || evt.GuestID != "g1" || evt.Metadata["title"] != "hello" {
		t.Fatalf("unexpected created event %+v", evt)
	}

	env.do(t, http.MethodPost, "/api/threads/"+id+"/messages", "g1", map[string]any{"query": "hello"})
	if evt := next(); evt.Type != hooks.EventRunFinished || evt.Metadata["outcome"] != "completed" {
		t.Fatalf("unexpected run event %+v", evt)
	}

	env.do(t, http.MethodDelete, "/api/threads/"+id, "g1", nil)
	if evt := next(); evt.Type != hooks.EventThreadDeleted || evt.ThreadID != id {
		t.Fatalf("unexpected deleted event %+v", evt)
	}
}
