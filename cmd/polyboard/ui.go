package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/openclaw/polyboard/internal/board/schema"
)

// Banner styles
var (
	styleBanner = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 2)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	styleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(12)

	styleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Status styles
var (
	styleStatusInbox = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	styleStatusActive = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	styleStatusReview = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39"))

	styleStatusDone = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleCell = lipgloss.NewStyle().
			Padding(0, 1)
)

func statusStyle(s schema.Status) lipgloss.Style {
	switch s {
	case schema.StatusActive:
		return styleStatusActive
	case schema.StatusReview:
		return styleStatusReview
	case schema.StatusDone:
		return styleStatusDone
	default:
		return styleStatusInbox
	}
}

// setupColor disables styling when asked to or when stdout is not a terminal.
func setupColor(disabled bool) {
	if disabled || os.Getenv("NO_COLOR") != "" || !isTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
