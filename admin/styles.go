package admin

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

const (
	COLOR_GREY      = "241"
	COLOR_MAGENTA   = "170"
	COLOR_LIGHTBLUE = "69"
	COLOR_RED       = "196"
	COLOR_PURPLE    = "#7D56F4"
)

var (
	HelpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Padding(0, 2)
	CaptionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_MAGENTA)).Padding(1, 2)

	statStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, true, false).
			BorderForeground(lipgloss.Color(COLOR_MAGENTA)).
			Padding(0, 2)
	statValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(COLOR_LIGHTBLUE))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_RED)).Padding(0, 2)
	emptyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(COLOR_GREY)).Italic(true).Padding(0, 2)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(COLOR_GREY)).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color(COLOR_PURPLE)).
		Bold(false)
	return s
}

func DefaultWindowWidth(width int) int {
	if width <= 0 {
		return 100
	}
	return width
}

func DefaultWindowHeight(height int) int {
	if height <= 0 {
		return 30
	}
	return height
}
