// Package gateway is the client side of the chat server's REST and event
// stream API.
package gateway

import (
	"context"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/stream"
)

// Gateway is the interface for talking to the chat server
type Gateway interface {
	ListSessions(ctx context.Context) ([]internal.ChatSummary, error)
	GetSession(ctx context.Context, id string) (*internal.ChatRecord, error)
	CreateSession(ctx context.Context, id, title string) (*internal.ChatRecord, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error

	// SendAndStream posts a user message and consumes the reply stream,
	// handing every chunk to sink as it arrives. The returned message is the
	// authoritative final reply; reconciling it with local placeholders is
	// left to the caller.
	SendAndStream(ctx context.Context, sessionID, userMessageID, content string, sink stream.Sink) (internal.Message, error)
}
