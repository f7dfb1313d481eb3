// Package storetest holds the behaviour every threadstore.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

// Run exercises store against the threadstore.Store contract. The store must
// be empty.
func Run(t *testing.T, store threadstore.Store) {
	t.Helper()
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, store) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, store) })
	t.Run("Rename", func(t *testing.T) { testRename(t, store) })
	t.Run("AppendAndList", func(t *testing.T) { testAppendAndList(t, store) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, store) })
	t.Run("MissingThread", func(t *testing.T) { testMissingThread(t, store) })
}

func testCreateAndGet(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	created, err := store.CreateThread(ctx, "guest-create", "hello")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", created)
	}
	got, err := store.GetThread(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.GuestID != "guest-create" || got.Title != "hello" {
		t.Fatalf("unexpected thread %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func testListNewestFirst(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		th, err := store.CreateThread(ctx, "guest-list", title)
		if err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
		ids = append(ids, th.ID)
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := store.CreateThread(ctx, "someone-else", "other"); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	threads, err := store.ListThreads(ctx, "guest-list")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(threads))
	}
	for i, th := range threads {
		if th.ID != ids[len(ids)-1-i] {
			t.Fatalf("thread %d = %s (%s), want newest first", i, th.ID, th.Title)
		}
	}
}

func testRename(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	th, _ := store.CreateThread(ctx, "guest-rename", "old")
	renamed, err := store.RenameThread(ctx, th.ID, "new")
	if err != nil {
		t.Fatalf("RenameThread: %v", err)
	}
	if renamed.Title != "new" {
		t.Fatalf("unexpected title %q", renamed.Title)
	}
	if renamed.UpdatedAt.Before(th.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}
}

func testAppendAndList(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	th, _ := store.CreateThread(ctx, "guest-append", "math")

	first, err := store.AppendMessages(ctx, th.ID, threadstore.Message{Role: threadstore.RoleHuman, Content: "multiply 2 and 3"})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if len(first) != 1 || first[0].Seq != 1 || first[0].ID == "" {
		t.Fatalf("unexpected stored message %+v", first)
	}

	_, err = store.AppendMessages(ctx, th.ID,
		threadstore.Message{Role: threadstore.RoleAI, ToolCalls: []threadstore.ToolCall{{ID: "call_1", Name: "multiply", Args: map[string]any{"a": float64(2), "b": float64(3)}}}},
		threadstore.Message{Role: threadstore.RoleTool, Content: "6", ToolCallID: "call_1", Name: "multiply"},
		threadstore.Message{Role: threadstore.RoleAI, Content: "The result is 6."},
	)
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	msgs, err := store.ListMessages(ctx, th.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 || m.ThreadID != th.ID {
			t.Fatalf("message %d has seq %d thread %q", i, m.Seq, m.ThreadID)
		}
	}
	call := msgs[1].ToolCalls
	if len(call) != 1 || call[0].ID != "call_1" || call[0].Args["a"] != float64(2) {
		t.Fatalf("tool calls not preserved: %+v", call)
	}
	if msgs[2].Role != threadstore.RoleTool || msgs[2].ToolCallID != "call_1" || msgs[2].Name != "multiply" {
		t.Fatalf("tool message not preserved: %+v", msgs[2])
	}
	if msgs[3].Content != "The result is 6." {
		t.Fatalf("unexpected final content %q", msgs[3].Content)
	}
}

func testDeleteCascades(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	th, _ := store.CreateThread(ctx, "guest-delete", "bye")
	if _, err := store.AppendMessages(ctx, th.ID, threadstore.Message{Role: threadstore.RoleHuman, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := store.DeleteThread(ctx, th.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := store.GetThread(ctx, th.ID); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.ListMessages(ctx, th.ID); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("expected messages to be gone, got %v", err)
	}
}

func testMissingThread(t *testing.T, store threadstore.Store) {
	ctx := context.Background()
	missing := threadstore.NewID()
	if _, err := store.GetThread(ctx, missing); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("GetThread: expected ErrNotFound, got %v", err)
	}
	if _, err := store.RenameThread(ctx, missing, "x"); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("RenameThread: expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteThread(ctx, missing); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("DeleteThread: expected ErrNotFound, got %v", err)
	}
	if _, err := store.AppendMessages(ctx, missing, threadstore.Message{Role: threadstore.RoleHuman}); !errors.Is(err, threadstore.ErrNotFound) {
		t.Fatalf("AppendMessages: expected ErrNotFound, got %v", err)
	}
}
