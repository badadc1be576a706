package tabs

import "github.com/iksnae/chattabs/internal"

// Session is one chat tab
type Session struct {
	ID       string
	Title    string
	Messages []internal.Message
	Draft    string

	// Loaded is set once the message history was fetched from the server
	Loaded bool
	// Local marks the fallback session created when the server is unreachable.
	// Local sessions are never persisted.
	Local bool
	// Pending is set while a reply is streaming into this session
	Pending bool
}

func (s Session) clone() Session {
	if s.Messages != nil {
		msgs := make([]internal.Message, len(s.Messages))
		copy(msgs, s.Messages)
		s.Messages = msgs
	}
	return s
}

// Snapshot is a read-only copy of the manager state
type Snapshot struct {
	Sessions []Session
	ActiveID string
	Loading  bool
}

// Active returns the active session
func (s Snapshot) Active() (Session, bool) {
	sess, _, ok := s.Find(s.ActiveID)
	return sess, ok
}

// Find returns the session with the given id and its position
func (s Snapshot) Find(id string) (Session, int, bool) {
	for i, sess := range s.Sessions {
		if sess.ID == id {
			return sess, i, true
		}
	}
	return Session{}, -1, false
}

// state is the whole session collection. A state value is never modified
// once published; mutations work on a clone and swap it in.
type state struct {
	sessions []Session
	activeID string
	loading  bool
}

func (st state) clone() state {
	sessions := make([]Session, len(st.sessions))
	for i, s := range st.sessions {
		sessions[i] = s.clone()
	}
	st.sessions = sessions
	return st
}

func (st state) snapshot() Snapshot {
	c := st.clone()
	return Snapshot{Sessions: c.sessions, ActiveID: c.activeID, Loading: c.loading}
}

func (st *state) index(id string) int {
	for i := range st.sessions {
		if st.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// mergeMessages puts fetched history first and keeps messages added locally
// while the fetch was in flight
func mergeMessages(fetched, local []internal.Message) []internal.Message {
	seen := make(map[string]bool, len(fetched))
	merged := make([]internal.Message, 0, len(fetched)+len(local))
	for _, m := range fetched {
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range local {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	return merged
}
