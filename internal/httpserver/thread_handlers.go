package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

type guestKey struct{}

// requireGuest rejects requests without a guest header and stores the guest
// id in the request context.
func (s *Server) requireGuest(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guest := strings.TrimSpace(r.Header.Get(GuestHeader))
		if guest == "" {
			s.respondError(w, http.StatusBadRequest, errors.New("x-guest-id header invalid"))
			return
		}
		fn(w, r.WithContext(context.WithValue(r.Context(), guestKey{}, guest)))
	})
}

func guestFromContext(ctx context.Context) string {
	guest, _ := ctx.Value(guestKey{}).(string)
	return guest
}

var errThreadNotFound = errors.New("thread not found")

// ownedThread loads the thread named in the path. Threads of other guests are
// reported exactly like missing ones.
func (s *Server) ownedThread(w http.ResponseWriter, r *http.Request) (threadstore.Thread, bool) {
	id := chi.URLParam(r, "threadID")
	thread, err := s.store.GetThread(r.Context(), id)
	if errors.Is(err, threadstore.ErrNotFound) || (err == nil && thread.GuestID != guestFromContext(r.Context())) {
		s.respondError(w, http.StatusNotFound, errThreadNotFound)
		return threadstore.Thread{}, false
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return threadstore.Thread{}, false
	}
	return thread, true
}

// Query is the user input of a request: either a plain string or a list of
// content parts, of which the text parts are used.
type Query string

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (q *Query) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*q = Query(text)
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return errors.New("query must be a string or a list of content parts")
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	*q = Query(strings.Join(texts, "\n"))
	return nil
}

type queryRequest struct {
	Query Query `json:"query"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type threadInfo struct {
	ThreadID  string `json:"thread_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type messageInfo struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	ID      string `json:"id"`
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return "", false
	}
	query := string(req.Query)
	if strings.TrimSpace(query) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("query is required"))
		return "", false
	}
	return query, true
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context(), guestFromContext(r.Context()))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]threadInfo, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadInfo{
			ThreadID:  t.ID,
			Title:     t.Title,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"threads": out})
}

// handleCreateThread titles the new thread with the first query.
func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	query, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	thread, err := s.store.CreateThread(r.Context(), guestFromContext(r.Context()), query)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.debugf("thread created id=%s guest=%s", thread.ID, thread.GuestID)
	s.emit(r.Context(), hooks.EventThreadCreated, thread.GuestID, thread.ID, map[string]any{"title": thread.Title})
	s.respondJSON(w, http.StatusOK, map[string]any{"thread_id": thread.ID})
}

func (s *Server) handleRenameThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	if _, err := s.store.RenameThread(r.Context(), thread.ID, req.Title); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.emit(r.Context(), hooks.EventThreadRenamed, thread.GuestID, thread.ID, map[string]any{"title": req.Title})
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteThread(r.Context(), thread.ID); err != nil && !errors.Is(err, threadstore.ErrNotFound) {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.debugf("thread deleted id=%s", thread.ID)
	s.emit(r.Context(), hooks.EventThreadDeleted, thread.GuestID, thread.ID, nil)
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleListMessages returns the conversation as the user saw it; tool
// messages are left out.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	thread, ok := s.ownedThread(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), thread.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]messageInfo, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case threadstore.RoleHuman, threadstore.RoleAI:
			out = append(out, messageInfo{Type: string(m.Role), Content: m.Content, ID: m.ID})
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": out})
}
