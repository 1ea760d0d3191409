package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// CommandRunner executes the external tool and streams every output line to
// onLine. Injected so tests can script tool behavior without a binary.
type CommandRunner func(ctx context.Context, name string, args []string, onLine func(string)) error

func execRunner(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	lw := &lineWriter{fn: onLine}
	cmd.Stdout = lw
	cmd.Stderr = lw
	err := cmd.Run()
	lw.Flush()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// lineWriter splits a byte stream into lines for the onLine callback. Both
// stdout and stderr share one instance, so writes are serialized.
type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		if trimmed := trimEOL(line); trimmed != "" {
			w.fn(trimmed)
		}
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := trimEOL(w.buf.String()); rest != "" {
		w.fn(rest)
	}
	w.buf.Reset()
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
