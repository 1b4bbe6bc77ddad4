package cmd

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/airframesio/table-importer/cmd/importer"
)

type fakeJob struct {
	snap    importer.Snapshot
	log     string
	cancels int
}

func (f *fakeJob) model() progressModel {
	return newProgressModel("job-1",
		func() (importer.Snapshot, error) { return f.snap, nil },
		func() (string, error) { return f.log, nil },
		func() error { f.cancels++; return nil },
	)
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want []string
	}{
		{"empty", "", 3, nil},
		{"fewer than n", "a\nb\n", 3, []string{"a", "b"}},
		{"blank lines skipped", "a\n\n  \nb\nc\n", 2, []string{"b", "c"}},
		{"keeps the last n", "1\n2\n3\n4\n5", 3, []string{"3", "4", "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tailLines(tt.text, tt.n)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("tailLines() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampWidth(t *testing.T) {
	for in, want := range map[int]int{5: 20, 20: 20, 64: 64, 100: 100, 300: 100} {
		if got := clampWidth(in); got != want {
			t.Errorf("clampWidth(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestProgressModelPoll(t *testing.T) {
	job := &fakeJob{
		snap: importer.Snapshot{State: importer.StateRunning, TotalRecords: 10, ImportedRecords: 4, Progress: 40},
		log:  "one\ntwo\n",
	}
	m := job.model()

	msg := m.poll()()
	status, ok := msg.(statusMsg)
	if !ok {
		t.Fatalf("poll returned %T, want statusMsg", msg)
	}
	if status.snap.ImportedRecords != 4 || len(status.lines) != 2 {
		t.Errorf("status = %+v", status)
	}

	updated, cmd := m.Update(status)
	pm := updated.(progressModel)
	if pm.done {
		t.Error("running job should not finish the model")
	}
	if cmd == nil || isQuit(cmd) {
		t.Error("running job should schedule another tick")
	}
	if view := pm.View(); !strings.Contains(view, "Rows: 4/10") || !strings.Contains(view, "two") {
		t.Errorf("view missing progress or log lines:\n%s", view)
	}
}

func TestProgressModelTerminalStatus(t *testing.T) {
	tests := []struct {
		name  string
		snap  importer.Snapshot
		label string
	}{
		{"succeeded", importer.Snapshot{State: importer.StateSucceeded, TotalRecords: 3, ImportedRecords: 3, Progress: 100}, "Import complete"},
		{"failed", importer.Snapshot{State: importer.StateFailed, Error: "boom"}, "Import failed: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := (&fakeJob{}).model()
			updated, cmd := m.Update(statusMsg{snap: tt.snap})
			pm := updated.(progressModel)
			if !pm.done || !isQuit(cmd) {
				t.Fatalf("terminal state should quit, done=%v", pm.done)
			}
			if !strings.Contains(pm.View(), tt.label) {
				t.Errorf("view does not contain %q", tt.label)
			}
		})
	}
}

func TestProgressModelStatusError(t *testing.T) {
	m := (&fakeJob{}).model()
	updated, cmd := m.Update(statusMsg{err: importer.ErrJobNotFound})
	pm := updated.(progressModel)
	if !pm.done || !isQuit(cmd) {
		t.Fatal("status error should quit")
	}
	if !errors.Is(pm.err, importer.ErrJobNotFound) {
		t.Errorf("err = %v", pm.err)
	}
}

func TestProgressModelCancel(t *testing.T) {
	job := &fakeJob{snap: importer.Snapshot{State: importer.StateRunning}}
	m := job.model()

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	pm := updated.(progressModel)
	if !pm.cancelling || pm.done || isQuit(cmd) {
		t.Fatalf("first press should request cancellation only, cancelling=%v done=%v", pm.cancelling, pm.done)
	}
	if job.cancels != 1 {
		t.Errorf("cancel called %d times, want 1", job.cancels)
	}
	if !strings.Contains(pm.View(), "again to leave") {
		t.Error("view should explain the second press")
	}

	// a signal while already cancelling does not cancel twice
	updated, _ = pm.Update(interruptMsg{})
	pm = updated.(progressModel)
	if job.cancels != 1 {
		t.Errorf("cancel called %d times after interrupt, want 1", job.cancels)
	}

	updated, cmd = pm.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	pm = updated.(progressModel)
	if !pm.done || !isQuit(cmd) {
		t.Error("second press should quit")
	}
}

func TestProgressModelIgnoresOtherKeys(t *testing.T) {
	job := &fakeJob{}
	m := job.model()
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if updated.(progressModel).cancelling || cmd != nil || job.cancels != 0 {
		t.Error("unrelated key should do nothing")
	}
}
