package tabs

import "time"

const (
	DefaultTitle         = "New Chat"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
)

// Option configures a Manager
type Option func(*Manager)

// WithRetry sets how often the startup listing is retried after a
// transport failure, and the fixed delay between attempts
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts >= 0 {
			m.retryAttempts = attempts
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithDefaultTitle sets the title of newly created chats
func WithDefaultTitle(title string) Option {
	return func(m *Manager) {
		if title != "" {
			m.defaultTitle = title
		}
	}
}

// WithIDGenerator replaces the chat and message id generator
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithListener registers a function called with a fresh snapshot after
// every state change, including each streamed chunk
func WithListener(fn func(Snapshot)) Option {
	return func(m *Manager) { m.listener = fn }
}
