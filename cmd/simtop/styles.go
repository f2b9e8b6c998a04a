package main

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	upColor        = lipgloss.Color("#10B981")
	downColor      = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	borderColor    = lipgloss.Color("#374151")
	focusColor     = lipgloss.Color("#7C3AED")
	textColor      = lipgloss.Color("#F9FAFB")
	textMutedColor = lipgloss.Color("#9CA3AF")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textMutedColor)

	rowStyle = lipgloss.NewStyle().Foreground(textColor)

	upStyle   = lipgloss.NewStyle().Bold(true).Foreground(upColor)
	downStyle = lipgloss.NewStyle().Bold(true).Foreground(downColor)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(textMutedColor).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().Foreground(focusColor).Bold(true)

	errorStyle = lipgloss.NewStyle().Foreground(downColor).Bold(true)
)

func renderTitle(title string) string {
	return titleStyle.Render(title)
}
