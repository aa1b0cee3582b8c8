// Package tui is the operator monitor: a terminal dashboard over the admin
// API showing queue depth, dedup outcomes, dead letters and the live
// pipeline event stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/payhook/internal/api"
	"github.com/mattjoyce/payhook/internal/events"
)

const (
	maxEventLog  = 200
	pollInterval = 2 * time.Second
	reconnectIn  = 3 * time.Second
)

type Model struct {
	apiURL string
	token  string
	theme  Theme

	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	stream    chan events.Event
	connected chan struct{}
	live      bool

	health   api.HealthzResponse
	stats    api.StatsResponse
	lastErr  string
	eventLog []events.Event

	table table.Model
}

// NewMonitor returns a monitor for the admin API at apiURL. token needs
// stats:ro and events:ro.
func NewMonitor(apiURL, token string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Time", Width: 8},
			{Title: "Type", Width: 22},
			{Title: "Provider", Width: 8},
			{Title: "Event", Width: 24},
			{Title: "Order", Width: 14},
			{Title: "Detail", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
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

	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		token:     token,
		theme:     NewDefaultTheme(),
		ctx:       ctx,
		cancel:    cancel,
		stream:    make(chan events.Event, 128),
		connected: make(chan struct{}, 1),
		table:     t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.connect(),
		waitConnected(m.connected),
		receiveNextEvent(m.stream),
		m.refresh(),
		tick(pollInterval),
	)
}

func (m Model) connect() tea.Cmd {
	return subscribeToEvents(m.ctx, m.apiURL, m.token, m.stream, m.connected)
}

func (m Model) refresh() tea.Cmd {
	apiURL, token := m.apiURL, m.token
	return tea.Batch(
		func() tea.Msg { return fetchHealth(apiURL) },
		func() tea.Msg { return fetchStats(apiURL, token) },
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-6, 20))
		m.table.SetHeight(max(m.height-14, 5))

	case eventMsg:
		m.addEvent(events.Event(msg))
		return m, receiveNextEvent(m.stream)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		return m, nil

	case statsMsg:
		m.stats = api.StatsResponse(msg)
		m.lastErr = ""
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick(pollInterval))

	case sseConnectedMsg:
		m.live = true
		return m, waitConnected(m.connected)

	case sseDisconnectedMsg:
		m.live = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
		}
		return m, tea.Tick(reconnectIn, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.connect()

	case errMsg:
		m.lastErr = msg.Error()
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) addEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	rows := make([]table.Row, 0, len(m.eventLog))
	for _, ev := range m.eventLog {
		rows = append(rows, m.eventRow(ev))
	}
	m.table.SetRows(rows)
}

func (m Model) eventRow(e events.Event) table.Row {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	str := func(k string) string {
		switch v := data[k].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%g", v)
		default:
			return ""
		}
	}

	detail := str("reason")
	if detail == "" {
		detail = str("status")
	}
	if a := str("attempt"); a != "" && a != "0" {
		detail = strings.TrimSpace("attempt " + a + " " + detail)
	}
	if e.Type == events.TypeSweepCompleted {
		detail = fmt.Sprintf("pruned %s, orphans %s", str("pruned"), str("orphans"))
	}

	return table.Row{
		m.theme.symbolFor(e.Type),
		e.At.Local().Format("15:04:05"),
		e.Type,
		str("provider"),
		str("event_id"),
		str("order_reference"),
		detail,
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	inner := m.width - 4
	body := []string{
		m.renderHeader(inner),
		m.theme.Border.Width(inner).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("Pipeline Events"),
				m.table.View(),
			),
		),
	}
	if m.lastErr != "" {
		body = append(body, m.theme.StatusFailed.Render(" "+m.lastErr))
	}
	body = append(body, m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

func (m Model) renderHeader(width int) string {
	status := m.theme.StatusOK.Render("LIVE")
	if !m.live {
		status = m.theme.StatusFailed.Render("DISCONNECTED")
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	q := m.stats.Queue
	cols := []string{
		fmt.Sprintf("%s %s  %s %s", m.theme.Label.Render("Stream"), status, m.theme.Label.Render("Up"), uptime),
		fmt.Sprintf("%s ready %d  delayed %d  leased %d", m.theme.Label.Render("Queue"), q.Ready, q.Delayed, q.Leased),
		fmt.Sprintf("%s %s", m.theme.Label.Render("Dedup"), formatCounts(m.stats.Dedup)),
		fmt.Sprintf("%s %s", m.theme.Label.Render("Dead letters"), m.deadLetterCount()),
	}

	return m.theme.Border.Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, cols...))
}

func (m Model) deadLetterCount() string {
	n := fmt.Sprintf("%d", m.stats.DeadLetters)
	if m.stats.DeadLetters > 0 {
		return m.theme.Highlight.Render(n)
	}
	return n
}

func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return strings.Join(parts, "  ")
}
