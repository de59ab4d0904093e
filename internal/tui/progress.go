// Package tui implements the live-progress terminal view: one row per
// device with a progress bar and health marker, refreshed on a tick.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"hidtestorch/internal/monitor"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#2563EB")).
			Padding(0, 1).
			Bold(true)

	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))

	refreshInterval = 250 * time.Millisecond
)

type tickMsg time.Time

// Model is the bubbletea model driving the progress view. It polls the
// monitoring bus on every tick rather than subscribing to its event stream,
// since a terminal repaint only needs the latest snapshot, not every event
// in between repaints.
type Model struct {
	bus     *monitor.Bus
	bar     progress.Model
	started time.Time
	width   int
	done    bool
}

func NewModel(bus *monitor.Bus) Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 24
	return Model{bus: bus, bar: bar, started: time.Now(), width: 80}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 40; w > 10 {
			m.bar.Width = w
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.done = true
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		if m.done {
			return m, nil
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(" device test orchestrator — elapsed %s ", time.Since(m.started).Round(time.Second))))
	b.WriteString("\n\n")

	progressMap := m.bus.AllProgress()
	if len(progressMap) == 0 {
		b.WriteString(dimStyle.Render("waiting for devices...\n"))
		return b.String()
	}

	serials := make([]string, 0, len(progressMap))
	for serial := range progressMap {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		snap := progressMap[serial]
		frac := 0.0
		if snap.TotalCount > 0 {
			frac = float64(snap.CompletedCount) / float64(snap.TotalCount)
		}
		b.WriteString(fmt.Sprintf("%-16s %s %2d/%-2d %s  %s\n",
			serial,
			m.bar.ViewAs(frac),
			snap.CompletedCount, snap.TotalCount,
			healthLabel(snap.Health),
			snap.CurrentTest,
		))
	}

	return b.String()
}

func healthLabel(h monitor.HealthState) string {
	switch h {
	case monitor.HealthWarning:
		return warningStyle.Render("warn")
	case monitor.HealthError:
		return errorStyle.Render("error")
	default:
		return healthyStyle.Render("ok")
	}
}

// Run blocks until the user quits the TUI or the program terminates it.
func Run(bus *monitor.Bus) error {
	p := tea.NewProgram(NewModel(bus))
	_, err := p.Run()
	return err
}
