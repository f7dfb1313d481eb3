// Package memory provides an in-process thread store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

var _ threadstore.Store = (*Store)(nil)

// Store keeps threads in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]threadstore.Thread
	messages map[string][]threadstore.Message
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		threads:  make(map[string]threadstore.Thread),
		messages: make(map[string][]threadstore.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateThread(ctx context.Context, guestID, title string) (threadstore.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	t := threadstore.Thread{ID: threadstore.NewID(), GuestID: guestID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.threads[t.ID] = t
	return t, nil
}

func (s *Store) ListThreads(ctx context.Context, guestID string) ([]threadstore.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []threadstore.Thread
	for _, t := range s.threads {
		if t.GuestID == guestID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (threadstore.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return threadstore.Thread{}, threadstore.ErrNotFound
	}
	return t, nil
}

func (s *Store) RenameThread(ctx context.Context, id, title string) (threadstore.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return threadstore.Thread{}, threadstore.ErrNotFound
	}
	t.Title = title
	t.UpdatedAt = s.now()
	s.threads[id] = t
	return t, nil
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return threadstore.ErrNotFound
	}
	delete(s.threads, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs ...threadstore.Message) ([]threadstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, threadstore.ErrNotFound
	}
	now := s.now()
	stored := threadstore.Prepare(threadID, len(s.messages[threadID]), now, msgs)
	s.messages[threadID] = append(s.messages[threadID], stored...)
	t.UpdatedAt = now
	s.threads[threadID] = t
	return stored, nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]threadstore.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, threadstore.ErrNotFound
	}
	out := make([]threadstore.Message, len(s.messages[threadID]))
	copy(out, s.messages[threadID])
	return out, nil
}

// PingContext always succeeds.
func (s *Store) PingContext(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
