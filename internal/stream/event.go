// Package stream decodes the server-sent-event channel that carries an
// assistant reply and drives the STREAMING/COMPLETE/FAILED state machine
// that accumulates it.
package stream

// Event is one decoded `data:` payload. The fields are not mutually
// exclusive; a single payload may carry a chunk and the done marker.
type Event struct {
	Chunk   string `json:"chunk,omitempty"`
	Done    bool   `json:"done,omitempty"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Source yields events in transport order. Next returns io.EOF once the
// transport signals end-of-stream.
type Source interface {
	Next() (Event, error)
}

// Sink receives each text fragment as soon as it is decoded
type Sink func(fragment string)
