package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/iksnae/chattabs/internal"
)

// State is the state of a Consumer
type State int

const (
	StateStreaming State = iota
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Consumer accumulates the chunks of one assistant reply. COMPLETE and
// FAILED are terminal: once reached, no further events are applied.
type Consumer struct {
	sink  Sink
	state State
	buf   strings.Builder
	final internal.Message
	err   error
}

// NewConsumer creates a Consumer in the STREAMING state. sink may be nil.
func NewConsumer(sink Sink) *Consumer {
	return &Consumer{sink: sink}
}

// State returns the current state
func (c *Consumer) State() State {
	return c.state
}

// Accumulated returns the concatenation of all chunks seen so far
func (c *Consumer) Accumulated() string {
	return c.buf.String()
}

// Err returns the failure that moved the consumer to FAILED
func (c *Consumer) Err() error {
	return c.err
}

// Handle applies one event and returns the resulting state
func (c *Consumer) Handle(ev Event) State {
	if c.state != StateStreaming {
		return c.state
	}

	if ev.Error != "" {
		c.fail(&internal.ApplicationError{Message: ev.Error})
		return c.state
	}

	if ev.Chunk != "" {
		c.buf.WriteString(ev.Chunk)
		if c.sink != nil {
			c.sink(ev.Chunk)
		}
	}

	if ev.Done {
		content := ev.Content
		if content == "" {
			content = c.buf.String()
		}
		c.final = internal.Message{ID: ev.ID, Role: internal.RoleAssistant, Content: content}
		c.state = StateComplete
	}
	return c.state
}

// Fail moves the consumer to FAILED unless it already reached a terminal state
func (c *Consumer) Fail(err error) {
	if c.state != StateStreaming {
		return
	}
	c.fail(err)
}

func (c *Consumer) fail(err error) {
	c.err = err
	c.state = StateFailed
}

// Consume pulls events from src until a terminal state is reached. It
// returns the final message on COMPLETE and the failure otherwise.
func (c *Consumer) Consume(ctx context.Context, src Source) (internal.Message, error) {
	for c.state == StateStreaming {
		if err := ctx.Err(); err != nil {
			c.fail(err)
			break
		}

		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			c.fail(&internal.StreamProtocolError{Err: internal.ErrNoAssistantMessage})
			break
		}
		if err != nil {
			c.fail(err)
			break
		}
		c.Handle(ev)
	}

	if c.state == StateFailed {
		return internal.Message{}, c.err
	}
	return c.final, nil
}
