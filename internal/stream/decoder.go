package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/iksnae/chattabs/internal"
)

const maxLineSize = 1024 * 1024

// Decoder reads newline-delimited `data: <JSON>` lines from r
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder creates a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next event. Blank lines, comments and fields other than
// data are skipped.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		data, ok := dataField(d.scanner.Text())
		if !ok || data == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Event{}, &internal.StreamProtocolError{Reason: fmt.Sprintf("malformed event payload on line %d", d.line), Err: err}
		}
		return ev, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, &internal.TransportError{Op: "read stream", Err: err}
	}
	return Event{}, io.EOF
}

// dataField extracts the value of a `data:` line
func dataField(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
