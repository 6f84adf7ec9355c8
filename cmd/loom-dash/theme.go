package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the color palette for the loom dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default loom-dash palette.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Styles holds the precomputed lipgloss styles derived from a Theme.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Muted   lipgloss.Style
	Help    lipgloss.Style
}

// NewStyles builds the style set for a theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		Header:  lipgloss.NewStyle().Foreground(theme.Primary),
		Running: lipgloss.NewStyle().Foreground(theme.Success),
		Failed:  lipgloss.NewStyle().Foreground(theme.Error),
		Muted:   lipgloss.NewStyle().Foreground(theme.Muted),
		Help:    lipgloss.NewStyle().Foreground(theme.Muted),
	}
}
