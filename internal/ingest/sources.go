// Package ingest provides the raw-line sources for the pipeline: a one-shot
// command runner around lastb, file and stdin readers for testing/piping,
// and a follow-mode tailer.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Source yields one batch of raw audit text per pipeline run.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// FileSource reads a captured lastb dump from disk.
type FileSource struct {
	Path string
}

func (f *FileSource) Fetch(_ context.Context) (string, error) {
	log.WithField("path", f.Path).Info("reading audit data from file")
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}
	return string(data), nil
}

// StdinSource consumes piped audit data, e.g. `lastb -F | sshradar ingest --stdin`.
type StdinSource struct {
	Reader io.Reader // defaults to os.Stdin
}

func (s *StdinSource) Fetch(_ context.Context) (string, error) {
	r := s.Reader
	if r == nil {
		r = os.Stdin
	}
	log.Info("reading audit data from stdin")
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}
