// Package ui renders live flow progress in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DefaultRefresh is how often the model polls its Progress.
const DefaultRefresh = 250 * time.Millisecond

// refreshMsg carries a new snapshot into the model.
type refreshMsg State

// Model is the bubbletea model of the progress view.
type Model struct {
	source   *Progress
	refresh  time.Duration
	state    State
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// NewModel builds a model that polls source every refresh interval.
func NewModel(source *Progress, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		source:       source,
		refresh:      refresh,
		state:        source.Snapshot(),
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m Model) poll() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return refreshMsg(m.source.Snapshot())
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(msg.Width-14, 10)

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case refreshMsg:
		m.state = State(msg)
		if m.state.Done {
			return m, tea.Quit
		}
		cmds = append(cmds, m.poll())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	st := m.state

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s filehub %s\n", m.spinner.View(), m.titleStyle.Render("Managed File Transfer")))

	// share of read bytes that reached a terminal state downstream
	var percent float64
	if st.ReadBytes > 0 {
		percent = float64(st.DeliveredBytes+st.DroppedBytes) / float64(st.ReadBytes)
	}

	counts := fmt.Sprintf("Read: %d | Delivered: %d | Skipped: %d | ", st.Read, st.Delivered, st.Skipped)
	failed := fmt.Sprintf("Failed: %d", st.Failed)
	if st.Failed > 0 {
		failed = m.errorStyle.Render(failed)
	}
	sb.WriteString(m.infoStyle.Render(counts) + failed + "\n")

	ops := fmt.Sprintf("ETA: %s | %s | %s / %s | Runs: %d (%d failed)",
		formatETA(st.Pending(), st.Throughput),
		formatSpeed(st.Throughput),
		formatBytes(st.DeliveredBytes), formatBytes(st.ReadBytes),
		st.Runs, st.FailedRuns)
	sb.WriteString(m.infoStyle.Render(ops) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString("Active transfers:\n")
	var active strings.Builder
	if len(st.Active) == 0 {
		active.WriteString(m.infoStyle.Render("No active transfers..."))
	} else {
		now := time.Now()
		for _, a := range st.Active {
			file := a.File
			if len(file) > 40 {
				file = "..." + file[len(file)-37:]
			}
			active.WriteString(fmt.Sprintf("%-8s | %-8s | %s\n",
				m.streamStyle.Render(a.Stage), now.Sub(a.Since).Round(time.Second), file))
		}
	}
	m.viewport.SetContent(active.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: quit")
	if st.Done {
		help = m.successStyle.Render("All flows finished!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	switch {
	case n >= unit*unit*unit:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	case n >= unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	case n >= unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	}
	return fmt.Sprintf("%d B", n)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(remainingBytes int64, bytesPerSec float64) string {
	if remainingBytes <= 0 {
		return "0s"
	}
	if bytesPerSec <= 0 {
		return "Calculating..."
	}

	secs := float64(remainingBytes) / bytesPerSec
	if secs > 24*60*60 {
		return "> 1d"
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}
