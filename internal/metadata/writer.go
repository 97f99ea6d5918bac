// ABOUTME: Now-playing metadata side file writer
// ABOUTME: Persists the flat track map as JSON, full overwrite per update
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultPath is where the side file lands unless configured otherwise.
const DefaultPath = "/tmp/bluetooth_metadata.json"

// Writer persists now-playing metadata to a fixed path. Every update
// overwrites the whole document; last writer wins, no locking beyond
// serializing our own writes.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter builds a writer for path, falling back to DefaultPath.
func NewWriter(path string) *Writer {
	if path == "" {
		path = DefaultPath
	}
	return &Writer{path: path}
}

// Path returns the side file location.
func (w *Writer) Path() string {
	return w.path
}

// WriteTrack replaces the side file with the given track attributes.
func (w *Writer) WriteTrack(track map[string]string) error {
	data, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("failed to encode track metadata: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.WriteFile(w.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write track metadata: %w", err)
	}
	return nil
}
