package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names the chat lifecycle transitions exported to hook listeners.
type EventType string

const (
	// EventThreadCreated is emitted after a guest opens a new thread.
	EventThreadCreated EventType = "chat.thread.created"
	// EventThreadRenamed is emitted when a thread title changes.
	EventThreadRenamed EventType = "chat.thread.renamed"
	// EventThreadDeleted is emitted after a thread and its messages are removed.
	EventThreadDeleted EventType = "chat.thread.deleted"
	// EventRunFinished is emitted once an agent run has streamed its last frame.
	EventRunFinished EventType = "chat.run.finished"
)

// Event envelopes the payload broadcast to hook listeners.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	GuestID    string
	ThreadID   string
	Metadata   map[string]any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ EventType, guestID, threadID string, metadata map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		GuestID:    guestID,
		ThreadID:   threadID,
		Metadata:   metadata,
	}
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Len reports the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Emit delivers an event to all registered handlers and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScriptConfig describes how to invoke an external command when events fire.
type ScriptConfig struct {
	Command string            // required executable (absolute or PATH lookup)
	Args    []string          // static arguments passed to the executable
	Env     map[string]string // optional environment overrides
	Timeout time.Duration     // optional max execution time
}

// NewScriptHandler returns a Handler that pipes the JSON encoded event to a
// configured executable via STDIN.
func NewScriptHandler(cfg ScriptConfig) Handler {
	return func(parentCtx context.Context, evt Event) error {
		if cfg.Command == "" {
			return fmt.Errorf("hooks: command not configured")
		}

		payload, err := MarshalEvent(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal event: %w", err)
		}

		ctx := parentCtx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := cmd.Environ()
			for key, val := range cfg.Env {
				env = append(env, key+"="+val)
			}
			cmd.Env = env
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("hooks: stdin pipe: %w", err)
		}
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()

		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("hooks: %s %s failed: %w (%s)", evt.Type, cfg.Command, err, bytesTrim(out))
		}
		return nil
	}
}

// MarshalEvent renders the wire envelope scripts receive.
func MarshalEvent(evt Event) ([]byte, error) {
	envelope := struct {
		ID         string         `json:"id"`
		Type       EventType      `json:"type"`
		OccurredAt time.Time      `json:"occurred_at"`
		GuestID    string         `json:"guest_id"`
		ThreadID   string         `json:"thread_id"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		ID:         evt.ID,
		Type:       evt.Type,
		OccurredAt: evt.OccurredAt,
		GuestID:    evt.GuestID,
		ThreadID:   evt.ThreadID,
		Metadata:   evt.Metadata,
	}
	return json.Marshal(envelope)
}

func bytesTrim(b []byte) string {
	const limit = 256
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}
