package watch

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/spica/internal/api"
	"github.com/mattjoyce/spica/internal/governor"
	"github.com/mattjoyce/spica/internal/registry"
)

const refreshInterval = 3 * time.Second

// Model is the main BubbleTea model for the fleet watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	health    api.HealthzResponse
	instances []api.InstanceSummary
	registry  registry.Snapshot
	governor  governor.State
	connected bool
	lastError string

	instanceTable table.Model
	theme         Theme
}

// New creates a new watch TUI model pointed at a fleet API base URL.
func New(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 26},
			{Title: "Gen", Width: 4},
			{Title: "Age", Width: 10},
			{Title: "Lock", Width: 5},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:        apiURL,
		instanceTable: t,
		theme:         NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshAll(m.apiURL),
		tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshAll(m.apiURL)
		}
		var cmd tea.Cmd
		m.instanceTable, cmd = m.instanceTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			refreshAll(m.apiURL),
			tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		m.lastError = ""

	case instancesMsg:
		m.instances = msg
		m.instanceTable.SetRows(instanceRows(msg))

	case registryMsg:
		m.registry = registry.Snapshot(msg)

	case governorMsg:
		m.governor = governor.State(msg)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
	}

	return m, nil
}

func instanceRows(instances []api.InstanceSummary) []table.Row {
	rows := make([]table.Row, 0, len(instances))
	for _, inst := range instances {
		if inst.Incomplete {
			rows = append(rows, table.Row{inst.SpicaID, "-", "-", "bad"})
			continue
		}
		lock := ""
		if inst.Locked {
			lock = "yes"
		}
		rows = append(rows, table.Row{
			inst.SpicaID,
			fmt.Sprintf("%d", inst.Generation),
			shortDuration(time.Since(inst.SpawnedAt)),
			lock,
		})
	}
	return rows
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to fleet API..."
	}

	header := m.renderHeader()
	instances := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Instances"),
		m.instanceTable.View(),
	))
	capabilities := m.renderCapabilities()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit  [r] Refresh  [up/down] Select instance")

	parts := []string{header, instances, capabilities}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	conn := m.theme.StatusFailed.Render("offline")
	if m.connected {
		conn = m.theme.StatusOK.Render("online")
	}

	breaker := string(m.governor.CircuitState)
	switch m.governor.CircuitState {
	case governor.CircuitOpen:
		breaker = m.theme.StatusFailed.Render(breaker)
	case governor.CircuitHalfOpen:
		breaker = m.theme.StatusWarn.Render(breaker)
	default:
		breaker = m.theme.StatusOK.Render(breaker)
	}

	line := fmt.Sprintf(" spica fleet  %s  instances: %d  breaker: %s  failures: %d  up: %s",
		conn,
		m.health.Instances,
		breaker,
		m.governor.ConsecutiveFailures,
		shortDuration(time.Duration(m.health.UptimeSeconds)*time.Second))

	return m.theme.Border.Width(m.width - 6).Render(line)
}

func (m Model) renderCapabilities() string {
	caps := make([]string, 0, len(m.registry.Capabilities))
	for cap := range m.registry.Capabilities {
		caps = append(caps, cap)
	}
	sort.Strings(caps)

	lines := []string{m.theme.Title.Render("Capabilities")}
	if len(caps) == 0 {
		lines = append(lines, m.theme.Dim.Render(" (none registered)"))
	}
	for _, cap := range caps {
		specs := m.registry.Capabilities[cap]
		names := make([]string, 0, len(specs))
		for spec := range specs {
			names = append(names, spec)
		}
		sort.Strings(names)
		for _, spec := range names {
			entry := specs[spec]
			state := entry.State
			if state == "INTEGRATED" {
				state = m.theme.StatusOK.Render(state)
			} else {
				state = m.theme.StatusWarn.Render(state)
			}
			lines = append(lines, fmt.Sprintf(" %s/%s  %s  %s  hb %s",
				m.theme.Header.Render(cap),
				m.theme.Highlight.Render(spec),
				state,
				entry.Provider,
				shortDuration(time.Since(entry.LastHeartbeat))))
		}
	}

	return m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
