package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iksnae/chattabs/internal"
)

// NewChat builds a chat record with alternating user and assistant messages
func NewChat(id, title string, contents ...string) *internal.ChatRecord {
	created := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	chat := &internal.ChatRecord{
		ChatSummary: internal.ChatSummary{
			ID:        id,
			Title:     title,
			CreatedAt: created,
			UpdatedAt: created,
		},
		Messages: []internal.Message{},
	}
	for i, content := range contents {
		role := internal.RoleUser
		if i%2 == 1 {
			role = internal.RoleAssistant
		}
		chat.Messages = append(chat.Messages, internal.Message{
			ID:      id + "-" + string(rune('a'+i)),
			Role:    role,
			Content: content,
		})
	}
	return chat
}

// CreateCacheFixture writes chats into a transcript cache database at path
func CreateCacheFixture(t *testing.T, path string, chats ...*internal.ChatRecord) {
	t.Helper()
	cache, err := internal.NewCacheManager(path)
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	defer func() { _ = cache.Close() }()

	for _, chat := range chats {
		if err := cache.SaveChat(context.Background(), chat); err != nil {
			t.Fatalf("Failed to cache chat %s: %v", chat.ID, err)
		}
	}
}

// CreateConfigFixture writes a config file into dir and returns its path
func CreateConfigFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create fixture directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config fixture: %v", err)
	}
	return path
}
