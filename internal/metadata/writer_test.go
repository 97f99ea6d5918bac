// ABOUTME: Tests for the metadata side file writer
// ABOUTME: Verifies JSON content and full-overwrite semantics
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTrack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	w := NewWriter(path)

	track := map[string]string{
		"Title":  "Song",
		"Artist": "Band",
		"Album":  "Record",
	}
	if err := w.WriteTrack(track); err != nil {
		t.Fatalf("WriteTrack failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read side file: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Side file is not valid JSON: %v", err)
	}
	for key, value := range track {
		if got[key] != value {
			t.Errorf("got[%q] = %q, want %q", key, got[key], value)
		}
	}
}

func TestWriteTrackOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	w := NewWriter(path)

	if err := w.WriteTrack(map[string]string{"Title": "First", "Genre": "Rock"}); err != nil {
		t.Fatalf("WriteTrack failed: %v", err)
	}
	if err := w.WriteTrack(map[string]string{"Title": "Second"}); err != nil {
		t.Fatalf("WriteTrack failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read side file: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Side file is not valid JSON: %v", err)
	}
	if got["Title"] != "Second" {
		t.Errorf("Title = %q, want Second", got["Title"])
	}
	if _, ok := got["Genre"]; ok {
		t.Error("Stale key survived the overwrite")
	}
}

func TestNewWriterDefaultPath(t *testing.T) {
	w := NewWriter("")
	if w.Path() != DefaultPath {
		t.Errorf("Path = %q, want %q", w.Path(), DefaultPath)
	}
}
