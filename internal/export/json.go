package export

import (
	"encoding/json"
	"io"

	"github.com/iksnae/chattabs/internal"
)

// JSONExporter exports chats in the server's record format, pretty-printed
type JSONExporter struct{}

// Export exports a chat to JSON format
func (e *JSONExporter) Export(chat *internal.ChatRecord, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(chat)
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
