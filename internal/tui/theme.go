package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the monitor.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRetry   lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusSkipped lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRetry:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Label: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// symbolFor maps an event type to a status glyph.
func (t Theme) symbolFor(eventType string) string {
	switch eventType {
	case "webhook.accepted":
		return t.StatusRetry.Render("○")
	case "event.applied":
		return t.StatusOK.Render("●")
	case "event.retry":
		return t.StatusRetry.Render("◑")
	case "webhook.rejected", "webhook.dead_lettered", "event.dead_lettered":
		return t.StatusFailed.Render("∅")
	case "webhook.duplicate", "webhook.ignored", "event.skipped":
		return t.StatusSkipped.Render("◌")
	default:
		return t.Dim.Render("·")
	}
}
