package main

import (
	"os"
	"path/filepath"
	"testing"
)

// noteDefinition pauses for input and commits the payload's "text" as a note.
const noteDefinition = `{
	// take a note from the author
	"id": "note",
	"name": "Take a note",
	"steps": [
		{"step_id": "ask", "step_type": "USER_INTERCEPT", "config": {"message": "What should the note say?"}},
		{"step_id": "save", "step_type": "COMMIT", "config": {"container_type": "note", "attributes": {"body": "text"}}}
	]
}`

// failingDefinition fails at its first step when no generation provider is configured.
const failingDefinition = `{
	"id": "generate",
	"name": "Generate without a provider",
	"steps": [
		{"step_id": "generate", "step_type": "EXECUTION", "config": {}}
	]
}`

// writeFile writes content to name inside dir and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
