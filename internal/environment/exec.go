package environment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Run executes a CLI command and returns its trimmed stdout. Stderr is
// folded into the returned error.
func Run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// StartPiped starts cmd with stdout and stderr joined into one pipe. The
// reader reaches EOF once the command and all its children close the pipe.
// The caller must keep reading or the command blocks on a full pipe.
func StartPiped(cmd *exec.Cmd) (io.ReadCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	w.Close()
	return r, nil
}

// IsNotFound reports whether a CLI error says the target does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist")
}

// ParsePublishedPort extracts the host port from `docker port` style
// output such as "0.0.0.0:49153\n[::]:49153".
func ParsePublishedPort(out string) (int, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.LastIndex(line, ":")
		port, err := strconv.Atoi(line[i+1:])
		if err != nil || port <= 0 {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no published port in %q", out)
}
