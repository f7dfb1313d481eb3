// Package threadstore persists chat threads and their message history.
package threadstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a thread does not exist.
var ErrNotFound = errors.New("threadstore: thread not found")

// Role identifies the author of a stored message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
	RoleTool  Role = "tool"
)

// Thread is one conversation owned by a guest.
type Thread struct {
	ID        string
	GuestID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCall is a tool invocation requested by an ai message.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry of a thread's history. Seq is assigned by the store
// and increases by one per appended message.
type Message struct {
	ID         string
	ThreadID   string
	Seq        int
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
	CreatedAt  time.Time
}

// Store persists threads and messages.
type Store interface {
	CreateThread(ctx context.Context, guestID, title string) (Thread, error)
	// ListThreads returns the guest's threads, newest first.
	ListThreads(ctx context.Context, guestID string) ([]Thread, error)
	GetThread(ctx context.Context, id string) (Thread, error)
	RenameThread(ctx context.Context, id, title string) (Thread, error)
	// DeleteThread removes the thread and its messages.
	DeleteThread(ctx context.Context, id string) error
	// AppendMessages stores msgs after the thread's last message and returns
	// them with ID, Seq and CreatedAt filled in.
	AppendMessages(ctx context.Context, threadID string, msgs ...Message) ([]Message, error)
	// ListMessages returns the thread's messages in Seq order.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
	Close() error
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewID returns a fresh thread or message identifier.
func NewID() string { return uuid.NewString() }

// Backend names the store implementation a DSN selects.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// BackendFor maps a DSN to a backend: postgres:// and postgresql:// URLs
// select postgres, "memory" (or empty) the in-process store, anything else
// is a SQLite file path.
func BackendFor(dsn string) Backend {
	d := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case d == "" || d == "memory" || d == ":memory:":
		return BackendMemory
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// Prepare fills in identifiers and timestamps for messages about to be
// appended after seq last.
func Prepare(threadID string, last int, now time.Time, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = NewID()
		}
		m.ThreadID = threadID
		m.Seq = last + i + 1
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out[i] = m
	}
	return out
}
