package tabs

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/gateway"
	"github.com/iksnae/chattabs/internal/stream"
)

// fakeGateway is an in-memory Gateway with scripted failures
type fakeGateway struct {
	mu sync.Mutex

	chats []*internal.ChatRecord

	listErrs  []error // returned by successive list calls before they succeed
	listFail  error   // returned by every list call
	listCalls int

	createErr error
	created   []string

	renameErr error
	renames   int

	deleteErr error
	deletes   int

	getErr   error
	getGate  chan struct{}
	getCalls map[string]int

	// reply is streamed by SendAndStream; onEvent runs before each event
	// is handed to the consumer
	reply    []stream.Event
	onEvent  func(i int, ev stream.Event)
	sendErr  error
	sends    int
	lastSent string
}

var _ gateway.Gateway = (*fakeGateway)(nil)

func newFakeGateway(chats ...*internal.ChatRecord) *fakeGateway {
	return &fakeGateway{chats: chats, getCalls: make(map[string]int)}
}

func transportErr() error {
	return &internal.TransportError{Op: "list chats", Err: fmt.Errorf("connection refused")}
}

func (f *fakeGateway) find(id string) (*internal.ChatRecord, int) {
	for i, c := range f.chats {
		if c.ID == id {
			return c, i
		}
	}
	return nil, -1
}

func (f *fakeGateway) ListSessions(ctx context.Context) ([]internal.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.listFail != nil {
		return nil, f.listFail
	}
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return nil, err
	}

	out := make([]internal.ChatSummary, 0, len(f.chats))
	for _, c := range f.chats {
		out = append(out, c.ChatSummary)
	}
	return out, nil
}

func (f *fakeGateway) GetSession(ctx context.Context, id string) (*internal.ChatRecord, error) {
	f.mu.Lock()
	f.getCalls[id]++
	gate := f.getGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, _ := f.find(id)
	if c == nil {
		return nil, &internal.NotFoundError{Resource: "chat", ID: id}
	}
	cp := *c
	cp.Messages = append([]internal.Message{}, c.Messages...)
	return &cp, nil
}

func (f *fakeGateway) CreateSession(ctx context.Context, id, title string) (*internal.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, id)
	if f.createErr != nil {
		return nil, f.createErr
	}
	chat := &internal.ChatRecord{ChatSummary: internal.ChatSummary{ID: id, Title: title}}
	f.chats = append(f.chats, chat)
	return chat, nil
}

func (f *fakeGateway) RenameSession(ctx context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renames++
	if f.renameErr != nil {
		return f.renameErr
	}
	c, _ := f.find(id)
	if c == nil {
		return &internal.NotFoundError{Resource: "chat", ID: id}
	}
	c.Title = title
	return nil
}

func (f *fakeGateway) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	_, i := f.find(id)
	if i < 0 {
		return &internal.NotFoundError{Resource: "chat", ID: id}
	}
	f.chats = append(f.chats[:i], f.chats[i+1:]...)
	return nil
}

func (f *fakeGateway) SendAndStream(ctx context.Context, sessionID, userMessageID, content string, sink stream.Sink) (internal.Message, error) {
	f.mu.Lock()
	f.sends++
	f.lastSent = content
	events := f.reply
	onEvent := f.onEvent
	sendErr := f.sendErr
	f.mu.Unlock()

	if sendErr != nil {
		return internal.Message{}, sendErr
	}
	src := &scriptSource{events: events, onEvent: onEvent}
	return stream.NewConsumer(sink).Consume(ctx, src)
}

func (f *fakeGateway) counts() (list, renames, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.renames, f.deletes
}

func (f *fakeGateway) gets(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

type scriptSource struct {
	events  []stream.Event
	onEvent func(i int, ev stream.Event)
	i       int
}

func (s *scriptSource) Next() (stream.Event, error) {
	if s.i >= len(s.events) {
		return stream.Event{}, io.EOF
	}
	ev := s.events[s.i]
	if s.onEvent != nil {
		s.onEvent(s.i, ev)
	}
	s.i++
	return ev, nil
}
