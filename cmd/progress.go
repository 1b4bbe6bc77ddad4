package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/table-importer/cmd/importer"
)

const (
	pollInterval = 250 * time.Millisecond
	logTailLines = 8
)

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

// progressModel follows one running job by polling its status and the
// progress log.
type progressModel struct {
	jobID   string
	status  func() (importer.Snapshot, error)
	readLog func() (string, error)
	cancel  func() error

	bar     progress.Model
	spinner spinner.Model
	snap    importer.Snapshot
	lines   []string
	width   int

	cancelling bool
	done       bool
	err        error
}

type tickMsg time.Time

type statusMsg struct {
	snap  importer.Snapshot
	lines []string
	err   error
}

// interruptMsg is sent when the process receives a signal.
type interruptMsg struct{}

func newProgressModel(jobID string, status func() (importer.Snapshot, error), readLog func() (string, error), cancel func() error) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))

	return progressModel{
		jobID:   jobID,
		status:  status,
		readLog: readLog,
		cancel:  cancel,
		bar:     progress.New(progress.WithDefaultGradient()),
		spinner: s,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m progressModel) poll() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.status()
		if err != nil {
			return statusMsg{err: err}
		}
		var lines []string
		if text, err := m.readLog(); err == nil {
			lines = tailLines(text, logTailLines)
		}
		return statusMsg{snap: snap, lines: lines}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case interruptMsg:
		return m.requestCancel()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = clampWidth(msg.Width - 10)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tickMsg:
		return m, m.poll()
	case statusMsg:
		return m.handleStatusMsg(msg)
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if m.cancelling {
		// second press leaves without waiting for the job to stop
		m.done = true
		return m, tea.Quit
	}
	return m.requestCancel()
}

func (m progressModel) requestCancel() (tea.Model, tea.Cmd) {
	if m.cancelling {
		return m, nil
	}
	m.cancelling = true
	if err := m.cancel(); err != nil {
		m.err = err
	}
	return m, nil
}

func (m progressModel) handleStatusMsg(msg statusMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	}
	m.snap = msg.snap
	if msg.lines != nil {
		m.lines = msg.lines
	}
	if m.snap.State.Terminal() {
		m.done = true
		return m, tea.Quit
	}
	return m, tick()
}

func (m progressModel) View() string {
	var sections []string

	sections = append(sections, "", titleStyle.Render("Table Importer")+" "+progressInfoStyle.Render("v"+Version), "")
	sections = append(sections, tableHeaderStyle.Render(fmt.Sprintf("   %s → %s", m.snap.SourceTable, m.snap.TargetTable)))
	sections = append(sections, progressInfoStyle.Render("   Job "+m.jobID), "")

	switch {
	case m.done:
		sections = append(sections, stageStyle.Render("   "+stateLabel(m.snap)))
	case m.cancelling:
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s Cancelling...", m.spinner.View())))
	case m.snap.TotalRecords == 0 && m.snap.State != importer.StateRunning:
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s Waiting for a worker...", m.spinner.View())))
	default:
		sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s Importing", m.spinner.View())))
	}

	sections = append(sections, "   "+m.bar.ViewAs(float64(m.snap.Progress)/100))
	sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Rows: %d/%d (%.1fs)", m.snap.ImportedRecords, m.snap.TotalRecords, m.snap.Duration)))

	sections = append(sections, "", helpStyle.Render("   Log:"))
	if len(m.lines) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	}
	for _, line := range m.lines {
		sections = append(sections, "     "+line)
	}

	sections = append(sections, "")
	if m.cancelling {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' again to leave without waiting"))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel the import"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func stateLabel(s importer.Snapshot) string {
	switch s.State {
	case importer.StateSucceeded:
		return "✅ Import complete"
	case importer.StateFailed:
		return "❌ Import failed: " + s.Error
	default:
		return string(s.State)
	}
}

func clampWidth(w int) int {
	if w < 20 {
		return 20
	}
	if w > 100 {
		return 100
	}
	return w
}

// tailLines returns the last n non-empty lines of text.
func tailLines(text string, n int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
