// Package dashboard is the terminal UI for watching and managing the
// daemon's runtimes and proxied connections.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jovyan/nbgate/internal/client"
	"github.com/jovyan/nbgate/internal/protocol"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	expiringStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	ruleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// A runtime this close to expiry is highlighted.
const expiryWarning = 2 * time.Minute

// Model is the bubbletea model for the dashboard
type Model struct {
	client      *client.Client
	runtimes    []protocol.Runtime
	connections []protocol.ConnectionInfo
	cursor      int
	err         error
	now         time.Time
}

// NewModel creates a new dashboard model
func NewModel(c *client.Client) *Model {
	return &Model{client: c, now: time.Now()}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, TickCmd())
}

// refresh fetches runtimes and connections from the daemon
func (m *Model) refresh() tea.Msg {
	if m.client == nil {
		return stateMsg{}
	}
	runtimes, err := m.client.QueryRuntimes()
	if err != nil {
		return errMsg{err: err}
	}
	connections, _ := m.client.QueryConnections() // optional
	return stateMsg{runtimes: runtimes, connections: connections}
}

type stateMsg struct {
	runtimes    []protocol.Runtime
	connections []protocol.ConnectionInfo
}

type errMsg struct {
	err error
}

type tickMsg struct{}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		case "r":
			return m, m.refresh
		case "x", "d":
			if rt := m.SelectedRuntime(); rt != nil {
				return m, m.terminate(rt.UID)
			}
		case "X":
			return m, m.terminateAll
		}
	case stateMsg:
		m.runtimes = msg.runtimes
		m.connections = msg.connections
		m.err = nil
		m.now = time.Now()
		if m.cursor >= len(m.runtimes) && len(m.runtimes) > 0 {
			m.cursor = len(m.runtimes) - 1
		}
		return m, TickCmd()
	case errMsg:
		m.err = msg.err
		return m, TickCmd()
	case tickMsg:
		return m, m.refresh
	}
	return m, nil
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= len(m.runtimes) && len(m.runtimes) > 0 {
		m.cursor = len(m.runtimes) - 1
	}
}

// SelectedRuntime returns the runtime under the cursor
func (m *Model) SelectedRuntime() *protocol.Runtime {
	if m.cursor >= 0 && m.cursor < len(m.runtimes) {
		return &m.runtimes[m.cursor]
	}
	return nil
}

func (m *Model) terminate(uid string) tea.Cmd {
	return func() tea.Msg {
		if err := m.client.TerminateRuntime(uid); err != nil {
			return errMsg{err: err}
		}
		return m.refresh()
	}
}

func (m *Model) terminateAll() tea.Msg {
	if err := m.client.TerminateAll(); err != nil {
		return errMsg{err: err}
	}
	return m.refresh()
}

// connectionCount returns how many proxied connections target a runtime
func (m *Model) connectionCount(uid string) int {
	n := 0
	for _, c := range m.connections {
		if c.RuntimeUID == uid {
			n++
		}
	}
	return n
}

// View renders the dashboard
func (m *Model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) +
			"\n\nPress 'r' to retry, 'q' to quit\n"
	}

	rule := ruleStyle.Render(strings.Repeat("─", 70))

	var b strings.Builder
	b.WriteString(titleStyle.Render("Runtimes"))
	b.WriteString("\n" + rule + "\n")

	if len(m.runtimes) == 0 {
		b.WriteString(dimStyle.Render("  no active runtimes") + "\n")
	}
	for i, rt := range m.runtimes {
		cursor := "  "
		remaining := rt.ExpiredAt.Time().Sub(m.now)

		style := runningStyle
		if remaining > 0 && remaining < expiryWarning {
			style = expiringStyle
		}
		if i == m.cursor {
			cursor = "> "
			style = selectedStyle
		}

		name := rt.Name
		if name == "" {
			name = rt.UID
		}
		line := fmt.Sprintf("%s%-24s %-12s %-10s %8s  %d conn",
			cursor, truncate(name, 24), truncate(rt.Environment, 12), rt.Status,
			formatRemaining(remaining), m.connectionCount(rt.UID))
		b.WriteString(style.Render(line) + "\n")
	}

	b.WriteString(rule + "\n")
	if selected := m.SelectedRuntime(); selected != nil {
		b.WriteString("\n" + titleStyle.Render(selected.UID) + "\n")
		b.WriteString(fmt.Sprintf("Pod:     %s\n", selected.PodName))
		b.WriteString(fmt.Sprintf("Ingress: %s\n", selected.Ingress))
		if selected.Owner != "" {
			b.WriteString(fmt.Sprintf("Owner:   %s\n", selected.Owner))
		}

		b.WriteString("\nConnections:\n")
		shown := 0
		for _, c := range m.connections {
			if c.RuntimeUID != selected.UID {
				continue
			}
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %-8s %s", c.ID, c.URL)) + "\n")
			shown++
		}
		if shown == 0 {
			b.WriteString(dimStyle.Render("  (none)") + "\n")
		}
	}

	b.WriteString(rule + "\n")
	b.WriteString(dimStyle.Render("[x] Terminate   [X] Terminate all   [r] Refresh   [q] Quit") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// formatRemaining renders the time left before a runtime expires
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

// TickCmd returns a command that ticks for auto-refresh
func TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
