// Package joblog is the plain-text progress log a running import writes to
// and API clients poll.
package joblog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// Sink appends timestamped UTF-8 lines to one file. All methods are safe for
// concurrent use.
type Sink struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

func NewSink(path string) *Sink {
	return &Sink{path: path, now: time.Now}
}

// Path returns the backing file.
func (s *Sink) Path() string {
	return s.path
}

// Reset truncates the log.
func (s *Sink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(s.path, nil, 0o644)
}

// Append writes "[YYYY-MM-DD HH:MM:SS] line".
func (s *Sink) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "[%s] %s\n", s.now().Format(timestampLayout), line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write log: %w", err)
	}
	return f.Close()
}

// Read returns the whole log. A log that was never written reads as "".
func (s *Sink) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read log: %w", err)
	}
	return string(data), nil
}

// Handler tees Info-and-above record messages into a Sink and passes every
// record on to the wrapped handler.
type Handler struct {
	sink *Sink
	next slog.Handler
}

func NewHandler(sink *Sink, next slog.Handler) *Handler {
	return &Handler{sink: sink, next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo && r.Message != "" {
		// A full disk must not stop the import itself.
		_ = h.sink.Append(r.Message)
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{sink: h.sink, next: h.next.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{sink: h.sink, next: h.next.WithGroup(name)}
}
