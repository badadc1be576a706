package internal

import (
	"time"
)

// CreateTestChat creates a test chat with one exchange
func CreateTestChat(id string) *ChatRecord {
	return CreateTestChatWithMessages(id, []Message{
		{ID: id + "-m1", Role: RoleUser, Content: "Hello, how are you?"},
		{ID: id + "-m2", Role: RoleAssistant, Content: "I'm doing well, thank you!"},
	})
}

// CreateTestChatWithMessages creates a test chat with custom messages
func CreateTestChatWithMessages(id string, messages []Message) *ChatRecord {
	created := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	return &ChatRecord{
		ChatSummary: ChatSummary{
			ID:        id,
			Title:     "Test Chat",
			CreatedAt: created,
			UpdatedAt: created.Add(time.Minute),
		},
		Messages: messages,
	}
}
