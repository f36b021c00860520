// Package childlist renders the tracked child sessions as a live table.
package childlist

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
)

// RefreshMsg asks the model to reload records from the registry. The watch
// command sends one whenever the registry file changes on disk.
type RefreshMsg struct{}

// tickMsg keeps the relative-age column moving between registry changes.
type tickMsg time.Time

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).PaddingLeft(1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("8"))
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).PaddingLeft(1)
)

// Model holds the child session table state.
type Model struct {
	registry controlplane.Registry
	records  []*controlplane.ChildRecord

	cursor int
	width  int
	height int

	now func() time.Time
}

// New creates a child list over the given registry, loading it immediately.
func New(registry controlplane.Registry) Model {
	return Model{
		registry: registry,
		records:  registry.ListAll(),
		now:      time.Now,
	}
}

// Init starts the age-refresh ticker.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down", "ctrl+n":
			if m.cursor < len(m.records)-1 {
				m.cursor++
			}
		case "k", "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
		case "r":
			m = m.reload()
		}
	case RefreshMsg:
		m = m.reload()
	case tickMsg:
		return m, tick()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}
	return m, nil
}

func (m Model) reload() Model {
	m.records = m.registry.ListAll()
	if m.cursor >= len(m.records) && len(m.records) > 0 {
		m.cursor = len(m.records) - 1
	}
	return m
}

// Records returns the currently loaded records.
func (m Model) Records() []*controlplane.ChildRecord {
	return m.records
}

// Selected returns the record under the cursor, or nil when empty.
func (m Model) Selected() *controlplane.ChildRecord {
	if len(m.records) == 0 {
		return nil
	}
	return m.records[m.cursor]
}

// View renders the table.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Conductor - child sessions"))
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(dimStyle.Render("  No child sessions tracked yet."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-22s %-20s %-16s %-8s %-6s %s",
		"SESSION", "TITLE", "STATE", "PROG", "AGE", "LAST REPLY")))
	b.WriteString("\n")

	for i, record := range m.records {
		b.WriteString(m.renderRow(i, record))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("j/k move - r reload - q quit"))
	return b.String()
}

func (m Model) renderRow(i int, record *controlplane.ChildRecord) string {
	progress := controlplane.DeriveProgress(record.Tracking.State, false)

	excerptWidth := 40
	if m.width > 80 {
		excerptWidth = m.width - 80
	}
	line := fmt.Sprintf("%-22s %-20s %-16s %-8s %-6s %s",
		clip(record.Registration.ChildSessionID, 22),
		clip(record.Registration.Title, 20),
		record.Tracking.State,
		progress,
		age(record.LastActivityAt(), m.now()),
		clip(oneLine(record.Tracking.LastAssistantMessageExcerpt), excerptWidth),
	)

	switch {
	case record.Tracking.State == controlplane.StateError:
		line = errorStyle.Render(line)
	case progress == controlplane.ProgressDone:
		line = doneStyle.Render(line)
	case progress == controlplane.ProgressPending:
		line = pendingStyle.Render(line)
	}

	if i == m.cursor {
		return cursorStyle.Render(">") + " " + line
	}
	return "  " + line
}

// clip caps a cell at width runes, marking the cut with a tilde.
func clip(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "~"
}

// oneLine collapses an excerpt onto a single row.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// age renders a millisecond timestamp as a compact relative duration.
func age(ms int64, now time.Time) string {
	if ms == 0 {
		return "-"
	}
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
