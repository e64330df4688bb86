// Package report appends one JSON record per pipeline run to a log file,
// the sole machine-readable reporting channel of the core.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Writer appends run summaries to a file, one JSON object per line.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a summary writer. An empty path disables writing.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append writes one summary record. Safe for concurrent use.
func (w *Writer) Append(v any) error {
	if w.path == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open summary log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}
