package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/duragraph/studio/internal/stream"
)

type theme struct {
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	help        lipgloss.Style
	errorText   lipgloss.Style
	user        lipgloss.Style
	assistant   lipgloss.Style
	selected    lipgloss.Style
	badgeOK     lipgloss.Style
	badgeWarn   lipgloss.Style
	badgeBad    lipgloss.Style
	badgeIdle   lipgloss.Style
	stepStatus  map[string]lipgloss.Style
}

func newTheme() theme {
	green := lipgloss.Color("#22c55e")
	amber := lipgloss.Color("#f59e0b")
	red := lipgloss.Color("#ef4444")
	blue := lipgloss.Color("#3b82f6")
	muted := lipgloss.Color("#9ca3af")
	badge := lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("#111827"))

	return theme{
		header:      lipgloss.NewStyle().Bold(true).Foreground(blue),
		tabActive:   lipgloss.NewStyle().Bold(true).Padding(0, 1).Background(blue).Foreground(lipgloss.Color("#f9fafb")),
		tabInactive: lipgloss.NewStyle().Padding(0, 1).Foreground(muted),
		panel:       lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(muted).Padding(0, 1),
		panelTitle:  lipgloss.NewStyle().Bold(true),
		help:        lipgloss.NewStyle().Foreground(muted),
		errorText:   lipgloss.NewStyle().Foreground(red).Bold(true),
		user:        lipgloss.NewStyle().Foreground(green).Bold(true),
		assistant:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		selected:    lipgloss.NewStyle().Bold(true).Foreground(blue),
		badgeOK:     badge.Background(green),
		badgeWarn:   badge.Background(amber),
		badgeBad:    badge.Background(red),
		badgeIdle:   badge.Background(muted),
		stepStatus: map[string]lipgloss.Style{
			"started":         lipgloss.NewStyle().Foreground(amber),
			"in_progress":     lipgloss.NewStyle().Foreground(amber),
			"queued":          lipgloss.NewStyle().Foreground(muted),
			"requires_action": lipgloss.NewStyle().Foreground(amber).Bold(true),
			"completed":       lipgloss.NewStyle().Foreground(green),
			"failed":          lipgloss.NewStyle().Foreground(red),
			"error":           lipgloss.NewStyle().Foreground(red),
			"cancelled":       lipgloss.NewStyle().Foreground(muted).Strikethrough(true),
		},
	}
}

// badgeText describes a subscription's connectivity for the header.
func badgeText(c stream.Connectivity) string {
	switch c.Status {
	case stream.StatusOpen:
		return "Connected"
	case stream.StatusIdle, stream.StatusConnecting:
		return "Connecting"
	case stream.StatusReconnecting:
		return fmt.Sprintf("Reconnecting (attempt %d)", c.Attempt)
	case stream.StatusClosed:
		return "Closed"
	case stream.StatusFailed:
		return "Failed"
	default:
		return string(c.Status)
	}
}

func (t theme) badge(c stream.Connectivity) string {
	style := t.badgeIdle
	switch c.Status {
	case stream.StatusOpen:
		style = t.badgeOK
	case stream.StatusConnecting, stream.StatusReconnecting:
		style = t.badgeWarn
	case stream.StatusFailed:
		style = t.badgeBad
	}
	return style.Render(badgeText(c))
}

func (t theme) status(s string) lipgloss.Style {
	if style, ok := t.stepStatus[s]; ok {
		return style
	}
	return lipgloss.NewStyle()
}
