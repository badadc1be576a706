package internal

import "github.com/google/uuid"

// NewID returns a random opaque identifier for chats and messages.
// Ids are generated client-side so local state can be built before the
// server round trip completes.
func NewID() string {
	return uuid.NewString()
}
