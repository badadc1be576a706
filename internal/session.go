package internal

import "time"

// Role represents the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single chat message
type Message struct {
	ID      string `json:"id" yaml:"id"`
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// ChatSummary is a chat as returned by the list endpoint
type ChatSummary struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ChatRecord is a chat together with its message history
type ChatRecord struct {
	ChatSummary `yaml:",inline"`
	Messages    []Message `json:"messages" yaml:"messages"`
}
