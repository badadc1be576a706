package internal

import (
	"errors"
	"fmt"
)

// ErrNoAssistantMessage is reported when an event stream ends before its
// terminal "done" event.
var ErrNoAssistantMessage = errors.New("no assistant message received")

// TransportError represents a failure to reach the chat server. It is the
// only error class eligible for the startup retry policy.
type TransportError struct {
	Op  string // "list chats", "send message", "read stream", ...
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when the server does not know the resource
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError is returned when the server already holds a resource with the same id
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// HTTPError represents any other non-2xx answer from the server
type HTTPError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StreamProtocolError represents a malformed event stream
type StreamProtocolError struct {
	Reason string
	Err    error
}

func (e *StreamProtocolError) Error() string {
	switch {
	case e.Reason == "":
		return fmt.Sprintf("stream protocol error: %v", e.Err)
	case e.Err == nil:
		return fmt.Sprintf("stream protocol error: %s", e.Reason)
	default:
		return fmt.Sprintf("stream protocol error: %s: %v", e.Reason, e.Err)
	}
}

func (e *StreamProtocolError) Unwrap() error {
	return e.Err
}

// ApplicationError carries the message of an explicit "error" event
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return e.Message
}

// IsTransportError reports whether err is, or wraps, a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is, or wraps, a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
