package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultCommandTimeout = 30 * time.Second

// CommandSource runs the host audit command (lastb -F by default) and
// captures its stdout. lastb exits non-zero on an empty btmp, so a non-zero
// exit with output is not treated as fatal.
type CommandSource struct {
	Command string
	Timeout time.Duration
}

func (c *CommandSource) Fetch(ctx context.Context) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(c.Command)
	if len(parts) == 0 {
		return "", errors.New("audit command is empty")
	}

	log.WithField("command", c.Command).Info("running audit command")

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		log.WithField("stderr", strings.TrimSpace(stderr.String())).Warn("audit command wrote to stderr")
	}
	switch {
	case ctx.Err() != nil:
		return "", fmt.Errorf("audit command timed out after %s", timeout)
	case err != nil && stdout.Len() == 0:
		return "", fmt.Errorf("audit command failed: %w", err)
	}
	return stdout.String(), nil
}
