// Package tabs holds the in-memory collection of chat tabs and reconciles
// local, optimistic edits with the chat server.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/gateway"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownSession = errors.New("unknown chat")
	ErrLastSession    = errors.New("cannot close the last chat")
	ErrEmptyTitle     = errors.New("title must not be empty")
	ErrEmptyDraft     = errors.New("nothing to send")
	ErrSendInFlight   = errors.New("a reply is still streaming in this chat")
	ErrLocalSession   = errors.New("chat is not saved on the server")
)

// Manager owns the chat tabs. It is the only writer of the collection: every
// mutation copies the current state, changes the copy and swaps it in, so a
// Snapshot is always consistent.
type Manager struct {
	gw            gateway.Gateway
	newID         func() string
	defaultTitle  string
	retryAttempts int
	retryDelay    time.Duration
	listener      func(Snapshot)

	mu    sync.Mutex
	state state

	// structural serializes Create and Close so concurrent closes cannot
	// empty the collection
	structural sync.Mutex
	fetches    singleflight.Group
	wg         sync.WaitGroup
}

// New creates a Manager in the loading state. Call Load before use.
func New(gw gateway.Gateway, opts ...Option) *Manager {
	m := &Manager{
		gw:            gw,
		newID:         internal.NewID,
		defaultTitle:  DefaultTitle,
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
		state:         state{loading: true},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.snapshot()
}

// Loading reports whether the chat list is still being fetched
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.loading
}

// Wait blocks until background message fetches have finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// update applies fn to a copy of the state and publishes the copy when fn
// reports a change
func (m *Manager) update(fn func(st *state) bool) {
	m.mu.Lock()
	next := m.state.clone()
	if !fn(&next) {
		m.mu.Unlock()
		return
	}
	m.state = next

	listener := m.listener
	var snap Snapshot
	if listener != nil {
		snap = next.snapshot()
	}
	m.mu.Unlock()

	if listener != nil {
		listener(snap)
	}
}

func (m *Manager) lookup(id string) (Session, bool) {
	sess, _, ok := m.Snapshot().Find(id)
	return sess, ok
}

// Load fetches the chat list. An empty list yields one freshly created chat;
// otherwise the first chat becomes active and its messages are fetched in the
// background. If the server cannot be used a single local chat is installed
// and the cause is returned; the manager stays usable either way.
func (m *Manager) Load(ctx context.Context) error {
	m.update(func(st *state) bool {
		st.loading = true
		return true
	})

	chats, err := m.listWithRetry(ctx)
	if err != nil {
		internal.LogWarn("Could not load chats, continuing with a local chat: %v", err)
		m.installLocal()
		return fmt.Errorf("failed to load chats: %w", err)
	}

	if len(chats) == 0 {
		id := m.newID()
		rec, err := m.gw.CreateSession(ctx, id, m.defaultTitle)
		if err != nil {
			internal.LogWarn("Could not create a chat, continuing with a local chat: %v", err)
			m.installLocal()
			return fmt.Errorf("failed to create chat: %w", err)
		}
		sess := Session{ID: id, Title: m.titleOf(rec), Messages: []internal.Message{}, Loaded: true}
		m.update(func(st *state) bool {
			st.sessions = []Session{sess}
			st.activeID = id
			st.loading = false
			return true
		})
		internal.LogDebug("No chats on the server, created %s", id)
		return nil
	}

	sessions := make([]Session, 0, len(chats))
	for _, chat := range chats {
		sessions = append(sessions, Session{ID: chat.ID, Title: chat.Title})
	}
	first := sessions[0].ID
	m.update(func(st *state) bool {
		st.sessions = sessions
		st.activeID = first
		st.loading = false
		return true
	})
	internal.LogDebug("Loaded %d chat(s)", len(sessions))

	m.fetchAsync(ctx, first)
	return nil
}

// listWithRetry retries the listing on transport failures only, with a fixed
// delay between attempts
func (m *Manager) listWithRetry(ctx context.Context) ([]internal.ChatSummary, error) {
	var chats []internal.ChatSummary
	op := func() error {
		list, err := m.gw.ListSessions(ctx)
		if err != nil {
			if internal.IsTransportError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		chats = list
		return nil
	}
	notify := func(err error, wait time.Duration) {
		internal.LogWarn("Listing chats failed, retrying in %v: %v", wait, err)
	}

	// WithMaxRetries treats zero as unlimited, so no retries needs its own policy
	var base backoff.BackOff = &backoff.StopBackOff{}
	if m.retryAttempts > 0 {
		base = backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), uint64(m.retryAttempts))
	}
	policy := backoff.WithContext(base, ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return chats, nil
}

func (m *Manager) installLocal() {
	sess := Session{
		ID:       m.newID(),
		Title:    m.defaultTitle,
		Messages: []internal.Message{},
		Loaded:   true,
		Local:    true,
	}
	m.update(func(st *state) bool {
		st.sessions = []Session{sess}
		st.activeID = sess.ID
		st.loading = false
		return true
	})
}

func (m *Manager) titleOf(rec *internal.ChatRecord) string {
	if rec != nil && rec.Title != "" {
		return rec.Title
	}
	return m.defaultTitle
}

func needsFetch(s Session) bool {
	return !s.Loaded && !s.Local && len(s.Messages) == 0
}

func (m *Manager) fetchAsync(ctx context.Context, id string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.fetchMessages(ctx, id); err != nil {
			internal.LogWarn("Failed to load messages for chat %s: %v", id, err)
		}
	}()
}

// fetchMessages loads the history of a chat. Concurrent calls for the same
// chat share one request.
func (m *Manager) fetchMessages(ctx context.Context, id string) error {
	_, err, _ := m.fetches.Do(id, func() (interface{}, error) {
		rec, err := m.gw.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		m.update(func(st *state) bool {
			i := st.index(id)
			if i < 0 || st.sessions[i].Loaded {
				return false
			}
			s := &st.sessions[i]
			s.Messages = mergeMessages(rec.Messages, s.Messages)
			s.Loaded = true
			return true
		})
		return nil, nil
	})
	return err
}

// Activate makes a chat the active one. The first activation of a chat whose
// history was never loaded fetches it.
func (m *Manager) Activate(ctx context.Context, id string) error {
	found, fetch := false, false
	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 {
			return false
		}
		found = true
		fetch = needsFetch(st.sessions[i])
		if st.activeID == id {
			return false
		}
		st.activeID = id
		return true
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	if fetch {
		if err := m.fetchMessages(ctx, id); err != nil {
			return fmt.Errorf("failed to load messages for chat %s: %w", id, err)
		}
	}
	return nil
}

// Create persists a new chat and, once the server accepted it, appends it and
// makes it active. On failure nothing changes locally.
func (m *Manager) Create(ctx context.Context) (Session, error) {
	m.structural.Lock()
	defer m.structural.Unlock()

	id := m.newID()
	rec, err := m.gw.CreateSession(ctx, id, m.defaultTitle)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create chat: %w", err)
	}

	sess := Session{ID: id, Title: m.titleOf(rec), Messages: []internal.Message{}, Loaded: true}
	m.update(func(st *state) bool {
		st.sessions = append(st.sessions, sess)
		st.activeID = id
		return true
	})
	return sess.clone(), nil
}

// Rename persists a new title and applies it locally on success
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	sess, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !sess.Local {
		if err := m.gw.RenameSession(ctx, id, title); err != nil {
			return fmt.Errorf("failed to rename chat %s: %w", id, err)
		}
	}

	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 {
			return false
		}
		st.sessions[i].Title = title
		return true
	})
	return nil
}

// Close deletes a chat on the server and then removes it locally. The last
// remaining chat cannot be closed. Closing the active chat activates the
// first remaining one.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.structural.Lock()
	defer m.structural.Unlock()

	snap := m.Snapshot()
	sess, _, ok := snap.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if len(snap.Sessions) <= 1 {
		return ErrLastSession
	}

	if !sess.Local {
		if err := m.gw.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("failed to delete chat %s: %w", id, err)
		}
	}

	var fetchID string
	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 || len(st.sessions) <= 1 {
			return false
		}
		st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
		if st.activeID == id {
			next := st.sessions[0]
			st.activeID = next.ID
			if needsFetch(next) {
				fetchID = next.ID
			}
		}
		return true
	})

	if fetchID != "" {
		m.fetchAsync(ctx, fetchID)
	}
	return nil
}

// SetDraft replaces the unsent input of a chat
func (m *Manager) SetDraft(id, text string) error {
	found := false
	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 {
			return false
		}
		found = true
		if st.sessions[i].Draft == text {
			return false
		}
		st.sessions[i].Draft = text
		return true
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return nil
}

// Send posts the draft of a chat. The user message and an empty assistant
// placeholder are appended immediately; streamed chunks are appended to the
// placeholder as they arrive. On failure the placeholder shows the error.
//
// The streamed text is kept as the reply even if the server's final message
// differs from it. A reply that streamed no chunks takes the final content.
func (m *Manager) Send(ctx context.Context, id string) error {
	var (
		content       string
		userID        string
		placeholderID string
		local         bool
		failure       error
	)
	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 {
			failure = fmt.Errorf("%w: %s", ErrUnknownSession, id)
			return false
		}
		s := &st.sessions[i]
		if strings.TrimSpace(s.Draft) == "" {
			failure = ErrEmptyDraft
			return false
		}
		if s.Pending {
			failure = ErrSendInFlight
			return false
		}

		content = s.Draft
		userID, placeholderID = m.newID(), m.newID()
		s.Messages = append(s.Messages,
			internal.Message{ID: userID, Role: internal.RoleUser, Content: content},
			internal.Message{ID: placeholderID, Role: internal.RoleAssistant},
		)
		s.Draft = ""
		s.Pending = true
		local = s.Local
		return true
	})
	if failure != nil {
		return failure
	}

	sink := func(fragment string) {
		m.appendContent(id, placeholderID, fragment)
	}

	var (
		final internal.Message
		err   error
	)
	if local {
		err = &internal.TransportError{Op: "send message", Err: ErrLocalSession}
	} else {
		final, err = m.gw.SendAndStream(ctx, id, userID, content, sink)
	}

	m.update(func(st *state) bool {
		i := st.index(id)
		if i < 0 {
			return false
		}
		s := &st.sessions[i]
		s.Pending = false
		j := messageIndex(s.Messages, placeholderID)
		if j < 0 {
			return true
		}
		switch {
		case err != nil:
			s.Messages[j].Content = "Error: " + err.Error()
		case s.Messages[j].Content == "":
			s.Messages[j].Content = final.Content
		case final.Content != s.Messages[j].Content:
			internal.LogWarn("Streamed reply in chat %s differs from final message %s", id, final.ID)
		}
		return true
	})

	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (m *Manager) appendContent(sessionID, messageID, fragment string) {
	m.update(func(st *state) bool {
		i := st.index(sessionID)
		if i < 0 {
			return false
		}
		msgs := st.sessions[i].Messages
		j := messageIndex(msgs, messageID)
		if j < 0 {
			return false
		}
		msgs[j].Content += fragment
		return true
	})
}

func messageIndex(msgs []internal.Message, id string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
