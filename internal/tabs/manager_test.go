package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sequentialIDs returns a generator producing id-1, id-2, ...
func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1))
	}
}

func chat(id, title string, msgs ...internal.Message) *internal.ChatRecord {
	return &internal.ChatRecord{
		ChatSummary: internal.ChatSummary{ID: id, Title: title},
		Messages:    msgs,
	}
}

func msg(id string, role internal.Role, content string) internal.Message {
	return internal.Message{ID: id, Role: role, Content: content}
}

// loaded returns a manager that finished Load against gw
func loaded(t *testing.T, gw *fakeGateway, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithRetry(3, 0), WithIDGenerator(sequentialIDs())}, opts...)
	m := New(gw, opts...)
	require.NoError(t, m.Load(context.Background()))
	m.Wait()
	return m
}

func TestNew_StartsLoading(t *testing.T) {
	m := New(newFakeGateway())
	assert.True(t, m.Loading())
	assert.Empty(t, m.Snapshot().Sessions)
}

func TestLoad_EmptyListCreatesOneSession(t *testing.T) {
	gw := newFakeGateway()
	m := loaded(t, gw)

	snap := m.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, []string{"id-1"}, gw.created, "exactly one create with a client-generated id")

	sess := snap.Sessions[0]
	assert.Equal(t, "id-1", sess.ID)
	assert.Equal(t, "New Chat", sess.Title)
	assert.Equal(t, "id-1", snap.ActiveID)
	assert.True(t, sess.Loaded)
	assert.False(t, sess.Local)
	assert.False(t, snap.Loading)
}

func TestLoad_ExistingChatsFetchesFirstOnly(t *testing.T) {
	gw := newFakeGateway(
		chat("a", "First", msg("m1", internal.RoleUser, "hi")),
		chat("b", "Second", msg("m2", internal.RoleUser, "yo")),
	)
	m := loaded(t, gw)

	snap := m.Snapshot()
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, "a", snap.ActiveID)
	assert.Empty(t, gw.created)

	first, _, _ := snap.Find("a")
	assert.True(t, first.Loaded)
	assert.Equal(t, []internal.Message{msg("m1", internal.RoleUser, "hi")}, first.Messages)

	second, _, _ := snap.Find("b")
	assert.False(t, second.Loaded)
	assert.Empty(t, second.Messages)
	assert.Equal(t, 0, gw.gets("b"))
}

func TestLoad_RetriesTransportErrors(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"))
	gw.listErrs = []error{transportErr(), transportErr(), transportErr()}

	m := loaded(t, gw)

	list, _, _ := gw.counts()
	assert.Equal(t, 4, list)
	assert.Equal(t, "a", m.Snapshot().ActiveID)
}

func TestLoad_FallsBackToLocalSession(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(gw *fakeGateway)
		wantLists int
	}{
		{
			name:      "transport errors exhaust retries",
			setup:     func(gw *fakeGateway) { gw.listFail = transportErr() },
			wantLists: 4,
		},
		{
			name:      "non-transport error is not retried",
			setup:     func(gw *fakeGateway) { gw.listFail = &internal.HTTPError{Op: "list chats", StatusCode: 500} },
			wantLists: 1,
		},
		{
			name:      "initial create fails",
			setup:     func(gw *fakeGateway) { gw.createErr = transportErr() },
			wantLists: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			tt.setup(gw)
			m := New(gw, WithRetry(3, 0))

			err := m.Load(context.Background())
			require.Error(t, err)
			m.Wait()

			list, _, _ := gw.counts()
			assert.Equal(t, tt.wantLists, list)

			snap := m.Snapshot()
			require.Len(t, snap.Sessions, 1)
			assert.True(t, snap.Sessions[0].Local)
			assert.Equal(t, "New Chat", snap.Sessions[0].Title)
			assert.Equal(t, snap.Sessions[0].ID, snap.ActiveID)
			assert.False(t, snap.Loading)
		})
	}
}

func TestLoad_ZeroRetriesListsOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.listFail = transportErr()
	m := New(gw, WithRetry(0, time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- m.Load(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Load with no retries did not return")
	}

	list, _, _ := gw.counts()
	assert.Equal(t, 1, list)

	snap := m.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.True(t, snap.Sessions[0].Local)
	assert.False(t, snap.Loading)
}

func TestLoad_CancelledContextStopsRetrying(t *testing.T) {
	gw := newFakeGateway()
	gw.listFail = transportErr()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(gw, WithRetry(3, 0))
	require.Error(t, m.Load(ctx))

	list, _, _ := gw.counts()
	assert.LessOrEqual(t, list, 1)
	assert.Len(t, m.Snapshot().Sessions, 1)
}

func TestActivate_FetchesOnce(t *testing.T) {
	gw := newFakeGateway(
		chat("a", "First"),
		chat("b", "Second", msg("m2", internal.RoleAssistant, "hello")),
	)
	m := loaded(t, gw)
	ctx := context.Background()

	require.NoError(t, m.Activate(ctx, "b"))
	require.NoError(t, m.Activate(ctx, "a"))
	require.NoError(t, m.Activate(ctx, "b"))

	assert.Equal(t, 1, gw.gets("b"))
	sess, _, _ := m.Snapshot().Find("b")
	assert.True(t, sess.Loaded)
	assert.Equal(t, "hello", sess.Messages[0].Content)
	assert.Equal(t, "b", m.Snapshot().ActiveID)
}

func TestActivate_UnknownSession(t *testing.T) {
	m := loaded(t, newFakeGateway(chat("a", "First")))

	err := m.Activate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, "a", m.Snapshot().ActiveID)
}

func TestActivate_FetchFailureKeepsSessionUnloaded(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"), chat("b", "Second"))
	m := loaded(t, gw)
	gw.mu.Lock()
	gw.getErr = transportErr()
	gw.mu.Unlock()

	err := m.Activate(context.Background(), "b")
	assert.True(t, internal.IsTransportError(err))

	sess, _, _ := m.Snapshot().Find("b")
	assert.False(t, sess.Loaded)
	assert.Equal(t, "b", m.Snapshot().ActiveID)
}

func TestActivate_ConcurrentFetchesShareOneRequest(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"), chat("b", "Second", msg("m", internal.RoleUser, "x")))
	m := loaded(t, gw)

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.getGate = gate
	gw.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Activate(context.Background(), "b")
		}()
	}
	require.Eventually(t, func() bool { return gw.gets("b") == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	sess, _, _ := m.Snapshot().Find("b")
	assert.True(t, sess.Loaded)
	assert.Len(t, sess.Messages, 1, "history is merged once")
}

func TestCreate(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"))
	m := loaded(t, gw, WithDefaultTitle("Untitled"))

	sess, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Untitled", sess.Title)

	snap := m.Snapshot()
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, sess.ID, snap.Sessions[1].ID)
	assert.Equal(t, sess.ID, snap.ActiveID)
	assert.Contains(t, gw.created, sess.ID)
}

func TestCreate_FailureChangesNothing(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"))
	m := loaded(t, gw)
	gw.mu.Lock()
	gw.createErr = &internal.ConflictError{Resource: "chat", ID: "x"}
	gw.mu.Unlock()

	_, err := m.Create(context.Background())
	assert.True(t, internal.IsConflict(err))

	snap := m.Snapshot()
	assert.Len(t, snap.Sessions, 1)
	assert.Equal(t, "a", snap.ActiveID)
}

func TestRename(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"))
	m := loaded(t, gw)
	ctx := context.Background()

	require.NoError(t, m.Rename(ctx, "a", "  Trimmed title  "))
	sess, _, _ := m.Snapshot().Find("a")
	assert.Equal(t, "Trimmed title", sess.Title)

	assert.ErrorIs(t, m.Rename(ctx, "a", "   "), ErrEmptyTitle)
	assert.ErrorIs(t, m.Rename(ctx, "nope", "x"), ErrUnknownSession)

	_, renames, _ := gw.counts()
	assert.Equal(t, 1, renames, "invalid renames never reach the server")
}

func TestRename_ServerNotFoundLeavesTitle(t *testing.T) {
	gw := newFakeGateway(chat("a", "First"))
	m := loaded(t, gw)
	gw.mu.Lock()
	gw.renameErr = &internal.NotFoundError{Resource: "chat", ID: "a"}
	gw.mu.Unlock()

	err := m.Rename(context.Background(), "a", "Other")
	assert.True(t, internal.IsNotFound(err))

	sess, _, _ := m.Snapshot().Find("a")
	assert.Equal(t, "First", sess.Title)
}

func TestRename_LocalSessionStaysLocal(t *testing.T) {
	gw := newFakeGateway()
	gw.listFail = transportErr()
	m := New(gw, WithRetry(0, 0))
	require.Error(t, m.Load(context.Background()))

	id := m.Snapshot().ActiveID
	require.NoError(t, m.Rename(context.Background(), id, "Offline notes"))

	sess, _ := m.Snapshot().Active()
	assert.Equal(t, "Offline notes", sess.Title)
	_, renames, _ := gw.counts()
	assert.Equal(t, 0, renames)
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("last session cannot be closed", func(t *testing.T) {
		gw := newFakeGateway(chat("a", "Only"))
		m := loaded(t, gw)

		assert.ErrorIs(t, m.Close(ctx, "a"), ErrLastSession)
		assert.Len(t, m.Snapshot().Sessions, 1)
		_, _, deletes := gw.counts()
		assert.Equal(t, 0, deletes)
	})

	t.Run("closing the active session activates the first remaining", func(t *testing.T) {
		gw := newFakeGateway(chat("a", "A"), chat("b", "B", msg("m", internal.RoleUser, "x")), chat("c", "C"))
		m := loaded(t, gw)
		require.NoError(t, m.Activate(ctx, "c"))

		require.NoError(t, m.Close(ctx, "c"))
		m.Wait()

		snap := m.Snapshot()
		assert.Equal(t, "a", snap.ActiveID)
		assert.Len(t, snap.Sessions, 2)
	})

	t.Run("first remaining is fetched when never loaded", func(t *testing.T) {
		gw := newFakeGateway(chat("a", "A"), chat("b", "B", msg("m", internal.RoleUser, "x")))
		m := loaded(t, gw)

		require.NoError(t, m.Close(ctx, "a"))
		m.Wait()

		sess, ok := m.Snapshot().Active()
		require.True(t, ok)
		assert.Equal(t, "b", sess.ID)
		assert.True(t, sess.Loaded)
		assert.Len(t, sess.Messages, 1)
	})

	t.Run("closing another session keeps the active one", func(t *testing.T) {
		gw := newFakeGateway(chat("a", "A"), chat("b", "B"))
		m := loaded(t, gw)

		require.NoError(t, m.Close(ctx, "b"))
		assert.Equal(t, "a", m.Snapshot().ActiveID)
	})

	t.Run("server failure keeps the session", func(t *testing.T) {
		gw := newFakeGateway(chat("a", "A"), chat("b", "B"))
		m := loaded(t, gw)
		gw.mu.Lock()
		gw.deleteErr = transportErr()
		gw.mu.Unlock()

		assert.Error(t, m.Close(ctx, "b"))
		assert.Len(t, m.Snapshot().Sessions, 2)
	})

	t.Run("unknown session", func(t *testing.T) {
		m := loaded(t, newFakeGateway(chat("a", "A"), chat("b", "B")))
		assert.ErrorIs(t, m.Close(ctx, "nope"), ErrUnknownSession)
	})
}

func TestClose_ConcurrentNeverEmpties(t *testing.T) {
	var chats []*internal.ChatRecord
	for i := 0; i < 8; i++ {
		chats = append(chats, chat(fmt.Sprintf("c%d", i), "Chat"))
	}
	gw := newFakeGateway(chats...)
	m := loaded(t, gw)

	var wg sync.WaitGroup
	for round := 0; round < 2; round++ {
		for _, c := range chats {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = m.Close(context.Background(), id)
			}(c.ID)
		}
	}
	wg.Wait()
	m.Wait()

	snap := m.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, snap.Sessions[0].ID, snap.ActiveID)
}

func TestSetDraft(t *testing.T) {
	m := loaded(t, newFakeGateway(chat("a", "A")))

	require.NoError(t, m.SetDraft("a", "half a thought"))
	sess, _ := m.Snapshot().Active()
	assert.Equal(t, "half a thought", sess.Draft)

	assert.ErrorIs(t, m.SetDraft("nope", "x"), ErrUnknownSession)
}

func TestSend_OptimisticMessagesAndStreaming(t *testing.T) {
	gw := newFakeGateway()
	m := loaded(t, gw)
	id := m.Snapshot().ActiveID

	var during []Session
	gw.reply = []stream.Event{
		{Chunk: "Hel"},
		{Chunk: "lo"},
		{Done: true, ID: "srv-1", Content: "Hello"},
	}
	gw.onEvent = func(i int, ev stream.Event) {
		sess, _ := m.Snapshot().Active()
		during = append(during, sess)
	}

	require.NoError(t, m.SetDraft(id, "Hi"))
	require.NoError(t, m.Send(context.Background(), id))

	require.Len(t, during, 3)

	// Before the first chunk: user message then an empty placeholder
	first := during[0]
	require.Len(t, first.Messages, 2)
	assert.Equal(t, internal.RoleUser, first.Messages[0].Role)
	assert.Equal(t, "Hi", first.Messages[0].Content)
	assert.Equal(t, internal.RoleAssistant, first.Messages[1].Role)
	assert.Empty(t, first.Messages[1].Content)
	assert.Empty(t, first.Draft)
	assert.True(t, first.Pending)

	// Before the terminal event the placeholder already holds every chunk
	assert.Equal(t, "Hello", during[2].Messages[1].Content)
	assert.True(t, during[2].Pending)

	sess, _ := m.Snapshot().Active()
	assert.False(t, sess.Pending)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "Hello", sess.Messages[1].Content)
	assert.Equal(t, "Hi", gw.lastSent)
	assert.NotEqual(t, sess.Messages[0].ID, sess.Messages[1].ID)
}

func TestSend_Validation(t *testing.T) {
	gw := newFakeGateway()
	m := loaded(t, gw)
	id := m.Snapshot().ActiveID
	ctx := context.Background()

	assert.ErrorIs(t, m.Send(ctx, id), ErrEmptyDraft)
	require.NoError(t, m.SetDraft(id, "   \n"))
	assert.ErrorIs(t, m.Send(ctx, id), ErrEmptyDraft)
	assert.ErrorIs(t, m.Send(ctx, "nope"), ErrUnknownSession)

	sess, _ := m.Snapshot().Active()
	assert.Empty(t, sess.Messages)
	assert.Equal(t, 0, gw.sends)
}

func TestSend_FailureShowsErrorInPlaceholder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(gw *fakeGateway)
		want  string
	}{
		{
			name:  "error event",
			setup: func(gw *fakeGateway) { gw.reply = []stream.Event{{Chunk: "par"}, {Error: "model not found"}} },
			want:  "Error: model not found",
		},
		{
			name:  "stream ends early",
			setup: func(gw *fakeGateway) { gw.reply = []stream.Event{{Chunk: "Hi"}} },
			want:  "Error: stream protocol error: no assistant message received",
		},
		{
			name:  "request rejected",
			setup: func(gw *fakeGateway) { gw.sendErr = &internal.NotFoundError{Resource: "chat", ID: "id-1"} },
			want:  "Error: chat not found: id-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			m := loaded(t, gw)
			id := m.Snapshot().ActiveID
			tt.setup(gw)

			require.NoError(t, m.SetDraft(id, "Hi"))
			require.Error(t, m.Send(context.Background(), id))

			sess, _ := m.Snapshot().Active()
			require.Len(t, sess.Messages, 2)
			assert.Equal(t, "Hi", sess.Messages[0].Content)
			assert.Equal(t, tt.want, sess.Messages[1].Content)
			assert.False(t, sess.Pending)
		})
	}
}

func TestSend_StreamedTextWinsOverFinalContent(t *testing.T) {
	gw := newFakeGateway()
	m := loaded(t, gw)
	id := m.Snapshot().ActiveID
	gw.reply = []stream.Event{{Chunk: "Hel"}, {Chunk: "lo"}, {Done: true, ID: "srv", Content: "Hello!"}}

	require.NoError(t, m.SetDraft(id, "Hi"))
	require.NoError(t, m.Send(context.Background(), id))

	sess, _ := m.Snapshot().Active()
	assert.Equal(t, "Hello", sess.Messages[1].Content)
}

func TestSend_OneReplyAtATimePerSession(t *testing.T) {
	gw := newFakeGateway()
	m := loaded(t, gw)
	id := m.Snapshot().ActiveID

	started := make(chan struct{})
	release := make(chan struct{})
	gw.reply = []stream.Event{{Chunk: "a"}, {Done: true, Content: "a"}}
	gw.onEvent = func(i int, ev stream.Event) {
		if i == 0 {
			close(started)
			<-release
		}
	}

	require.NoError(t, m.SetDraft(id, "first"))
	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), id) }()
	<-started

	require.NoError(t, m.SetDraft(id, "second"))
	assert.ErrorIs(t, m.Send(context.Background(), id), ErrSendInFlight)

	sess, _ := m.Snapshot().Active()
	assert.Equal(t, "second", sess.Draft, "draft is kept when the send is refused")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, gw.sends)
}

func TestSend_LocalSessionFailsLikeTransportError(t *testing.T) {
	gw := newFakeGateway()
	gw.listFail = transportErr()
	m := New(gw, WithRetry(0, 0))
	require.Error(t, m.Load(context.Background()))
	id := m.Snapshot().ActiveID

	require.NoError(t, m.SetDraft(id, "hello?"))
	err := m.Send(context.Background(), id)

	assert.True(t, internal.IsTransportError(err))
	assert.ErrorIs(t, err, ErrLocalSession)
	assert.Equal(t, 0, gw.sends)

	sess, _ := m.Snapshot().Active()
	require.Len(t, sess.Messages, 2)
	assert.Contains(t, sess.Messages[1].Content, "Error: ")
}

func TestSend_IntoSessionStillLoading(t *testing.T) {
	gw := newFakeGateway(
		chat("a", "A"),
		chat("b", "B", msg("old", internal.RoleUser, "earlier")),
	)
	m := loaded(t, gw)
	gw.reply = []stream.Event{{Done: true, ID: "r", Content: "ok"}}

	// b was never fetched; sending into it keeps local messages after the
	// fetched history once it arrives
	require.NoError(t, m.SetDraft("b", "now"))
	require.NoError(t, m.Send(context.Background(), "b"))
	require.NoError(t, m.Activate(context.Background(), "b"))

	sess, _, _ := m.Snapshot().Find("b")
	assert.False(t, sess.Loaded, "a session with local messages is not refetched")
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "now", sess.Messages[0].Content)
	assert.Equal(t, "ok", sess.Messages[1].Content, "a reply without chunks takes the final content")
	assert.Equal(t, 0, gw.gets("b"))
}

func TestListener(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	gw := newFakeGateway()
	gw.reply = []stream.Event{{Chunk: "a"}, {Chunk: "b"}, {Done: true, Content: "ab"}}
	m := loaded(t, gw, WithListener(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}))
	id := m.Snapshot().ActiveID

	require.NoError(t, m.SetDraft(id, "go"))
	mu.Lock()
	before := len(snaps)
	mu.Unlock()
	require.NoError(t, m.Send(context.Background(), id))

	mu.Lock()
	defer mu.Unlock()
	// start of send, two chunks and completion
	assert.Equal(t, before+4, len(snaps))
	last := snaps[len(snaps)-1]
	assert.False(t, last.Sessions[0].Pending)
}

func TestSnapshot_IsACopy(t *testing.T) {
	m := loaded(t, newFakeGateway(chat("a", "A", msg("m", internal.RoleUser, "original"))))

	snap := m.Snapshot()
	snap.Sessions[0].Title = "changed"
	snap.Sessions[0].Messages[0].Content = "changed"

	sess, _ := m.Snapshot().Active()
	assert.Equal(t, "A", sess.Title)
	assert.Equal(t, "original", sess.Messages[0].Content)
}

func TestErrors_AreDistinct(t *testing.T) {
	all := []error{ErrUnknownSession, ErrLastSession, ErrEmptyTitle, ErrEmptyDraft, ErrSendInFlight, ErrLocalSession}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("%v matches %v", a, b)
			}
		}
	}
}
