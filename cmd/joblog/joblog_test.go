package joblog

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s := NewSink(filepath.Join(t.TempDir(), "logs", "import.log"))
	s.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }
	return s
}

func TestReadMissingLog(t *testing.T) {
	s := newTestSink(t)
	got, err := s.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty log, got %q", got)
	}
}

func TestAppendAndReset(t *testing.T) {
	s := newTestSink(t)

	if err := s.Append("Starting import..."); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("页面 1/3 完成"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Read()
	want := "[2024-03-09 14:05:07] Starting import...\n[2024-03-09 14:05:07] 页面 1/3 完成\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Read(); got != "" {
		t.Fatalf("expected empty log after reset, got %q", got)
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := newTestSink(t)

	const writers, lines = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lines; i++ {
				_ = s.Append(fmt.Sprintf("writer %d line %d %s", w, i, strings.Repeat("x", 200)))
			}
		}(w)
	}
	wg.Wait()

	text, _ := s.Read()
	got := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(got) != writers*lines {
		t.Fatalf("expected %d lines, got %d", writers*lines, len(got))
	}
	for _, line := range got {
		if !strings.HasPrefix(line, "[2024-03-09 14:05:07] writer ") || !strings.HasSuffix(line, strings.Repeat("x", 200)) {
			t.Fatalf("corrupted line: %q", line)
		}
	}
}

func TestHandlerTeesInfoAndAbove(t *testing.T) {
	s := newTestSink(t)
	var console bytes.Buffer
	next := slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(NewHandler(s, next)).With("job_id", "abc")
	logger.Debug("debug detail")
	logger.Info("page 1/3")
	logger.Error("page 2/3 failed")

	text, _ := s.Read()
	if strings.Contains(text, "debug detail") {
		t.Error("debug records must not reach the sink")
	}
	if !strings.Contains(text, "] page 1/3\n") || !strings.Contains(text, "] page 2/3 failed\n") {
		t.Errorf("sink missing records: %q", text)
	}
	if !strings.Contains(console.String(), "job_id=abc") || !strings.Contains(console.String(), "debug detail") {
		t.Errorf("wrapped handler missing records: %q", console.String())
	}
}
