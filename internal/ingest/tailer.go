package ingest

import (
	"fmt"

	"github.com/nxadm/tail"
	log "github.com/sirupsen/logrus"
)

// Line is one raw line delivered by a follow-mode source.
type Line struct {
	Path    string
	Arrived int64 // wall clock arrival, unix seconds
	Text    string
}

// FileTailer follows a text export of the audit source (e.g. a file a
// forwarder appends lastb lines to), surviving rotation.
type FileTailer struct {
	path string
	t    *tail.Tail
}

func NewFileTailer(path string) *FileTailer {
	return &FileTailer{path: path}
}

// Start begins tailing and returns the line channel. The file does not need
// to exist yet; polling covers filesystems where inotify is unreliable.
func (f *FileTailer) Start() (<-chan Line, error) {
	t, err := tail.TailFile(f.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail %s: %w", f.path, err)
	}
	f.t = t

	log.WithField("path", f.path).Info("following audit line file")

	out := make(chan Line)
	go func() {
		defer close(out)
		for line := range t.Lines {
			if line.Err != nil {
				// rotation churn, not worth a log line each
				continue
			}
			out <- Line{
				Path:    f.path,
				Arrived: line.Time.Unix(),
				Text:    line.Text,
			}
		}
	}()
	return out, nil
}

func (f *FileTailer) Stop() error {
	if f.t != nil {
		return f.t.Stop()
	}
	return nil
}
