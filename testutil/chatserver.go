package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/stream"
)

// ChatServer is an in-memory chat server for tests. It serves the chat API
// under /api and streams scripted replies as server-sent events.
type ChatServer struct {
	*httptest.Server

	mu       sync.Mutex
	chats    map[string]*internal.ChatRecord
	order    []string
	replies  [][]stream.Event
	failures []int
	calls    map[string]int
	sends    []SendRequest
	nextID   int
}

// SendRequest is a message received on the send endpoint
type SendRequest struct {
	ChatID        string `json:"-"`
	UserMessageID string `json:"userMessageId"`
	Content       string `json:"content"`
	Model         string `json:"model,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewChatServer starts a ChatServer that is closed when the test ends
func NewChatServer(t *testing.T) *ChatServer {
	t.Helper()

	s := &ChatServer{
		chats: make(map[string]*internal.ChatRecord),
		calls: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.injectFailures)
	r.Route("/api/chats", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleRename)
			r.Delete("/", s.handleDelete)
			r.Post("/send", s.handleSend)
		})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// AddChat stores a chat as if it had been created earlier
func (s *ChatServer) AddChat(chat *internal.ChatRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *chat
	c.Messages = append([]internal.Message{}, chat.Messages...)
	if _, ok := s.chats[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.chats[c.ID] = &c
}

// Chat returns a copy of a stored chat
func (s *ChatServer) Chat(id string) (*internal.ChatRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[id]
	if !ok {
		return nil, false
	}
	c := *chat
	c.Messages = append([]internal.Message{}, chat.Messages...)
	return &c, true
}

// ChatCount returns how many chats are stored
func (s *ChatServer) ChatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

// QueueReply scripts the events streamed for the next send. Without a
// queued reply the server echoes the user message word by word.
func (s *ChatServer) QueueReply(events ...stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, events)
}

// FailNext answers the next n requests with status
func (s *ChatServer) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// Calls returns how often a route was served, keyed "METHOD pattern", for
// example "GET /api/chats/".
func (s *ChatServer) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Sends returns the messages received on the send endpoint
func (s *ChatServer) Sends() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendRequest{}, s.sends...)
}

func (s *ChatServer) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		if len(s.failures) > 0 {
			status, s.failures = s.failures[0], s.failures[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			respondError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)

		s.mu.Lock()
		s.calls[r.Method+" "+chi.RouteContext(r.Context()).RoutePattern()]++
		s.mu.Unlock()
	})
}

func (s *ChatServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	chats := make([]internal.ChatSummary, 0, len(s.order))
	for _, id := range s.order {
		chats = append(chats, s.chats[id].ChatSummary)
	}
	s.mu.Unlock()

	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	respondJSON(w, http.StatusOK, chats)
}

func (s *ChatServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "required fields missing: id")
		return
	}
	if req.Title == "" {
		req.Title = "New Chat"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[req.ID]; ok {
		respondError(w, http.StatusConflict, "chat already exists")
		return
	}
	now := time.Now().UTC()
	chat := &internal.ChatRecord{
		ChatSummary: internal.ChatSummary{ID: req.ID, Title: req.Title, CreatedAt: now, UpdatedAt: now},
		Messages:    []internal.Message{},
	}
	s.chats[req.ID] = chat
	s.order = append(s.order, req.ID)

	respondJSON(w, http.StatusCreated, chat)
}

func (s *ChatServer) handleGet(w http.ResponseWriter, r *http.Request) {
	chat, ok := s.Chat(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "Chat not found")
		return
	}
	respondJSON(w, http.StatusOK, chat)
}

func (s *ChatServer) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		respondError(w, http.StatusBadRequest, "required fields missing: title")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chi.URLParam(r, "id")]
	if !ok {
		respondError(w, http.StatusNotFound, "Chat not found")
		return
	}
	chat.Title = req.Title
	chat.UpdatedAt = time.Now().UTC()
	w.WriteHeader(http.StatusOK)
}

func (s *ChatServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		respondError(w, http.StatusNotFound, "Chat not found")
		return
	}
	delete(s.chats, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.UserMessageID == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "required fields missing: userMessageId, content")
		return
	}
	req.ChatID = chi.URLParam(r, "id")

	s.mu.Lock()
	chat, ok := s.chats[req.ChatID]
	if !ok {
		s.mu.Unlock()
		respondError(w, http.StatusNotFound, "Chat not found")
		return
	}
	s.sends = append(s.sends, req)
	chat.Messages = append(chat.Messages, internal.Message{ID: req.UserMessageID, Role: internal.RoleUser, Content: req.Content})
	var events []stream.Event
	if len(s.replies) > 0 {
		events, s.replies = s.replies[0], s.replies[1:]
	} else {
		s.nextID++
		events = echoReply(fmt.Sprintf("reply-%d", s.nextID), req.Content)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, ev := range events {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}

		if ev.Done {
			s.mu.Lock()
			if chat, ok := s.chats[req.ChatID]; ok {
				chat.Messages = append(chat.Messages, internal.Message{ID: ev.ID, Role: internal.RoleAssistant, Content: ev.Content})
				chat.UpdatedAt = time.Now().UTC()
			}
			s.mu.Unlock()
		}
	}
}

// echoReply streams "Echo: <content>" one word per chunk
func echoReply(id, content string) []stream.Event {
	reply := "Echo: " + content
	var events []stream.Event
	for i, word := range strings.Fields(reply) {
		if i > 0 {
			word = " " + word
		}
		events = append(events, stream.Event{Chunk: word})
	}
	return append(events, stream.Event{Done: true, ID: id, Content: reply})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, apiError{Error: http.StatusText(status), Message: message})
}
