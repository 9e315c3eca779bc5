package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Color palette - coherent with charmbracelet style
var (
	Primary   = lipgloss.Color("#7D56F4") // Purple (charmbracelet brand)
	Secondary = lipgloss.Color("#FF79C6") // Pink accent
	Success   = lipgloss.Color("#50FA7B") // Green
	Warning   = lipgloss.Color("#FFB86C") // Orange
	Error     = lipgloss.Color("#FF5555") // Red
	Muted     = lipgloss.Color("#6272A4") // Muted blue-gray
	Text      = lipgloss.Color("#F8F8F2") // Light text
)

// Base styles
var (
	// Normal text
	NormalText = lipgloss.NewStyle().
			Foreground(Text)

	// Muted text
	MutedText = lipgloss.NewStyle().
			Foreground(Muted)

	// Success text
	SuccessText = lipgloss.NewStyle().
			Foreground(Success)

	// Warning text
	WarningText = lipgloss.NewStyle().
			Foreground(Warning)

	// Error text
	ErrorText = lipgloss.NewStyle().
			Foreground(Error)

	// Spinner
	Spinner = lipgloss.NewStyle().
		Foreground(Primary)
)

// Status colors keyed by the engine's color hints
var statusColors = map[string]lipgloss.Color{
	"green":  Success,
	"yellow": Warning,
	"red":    Error,
	"gray":   Muted,
}

// StatusStyle returns the badge style for a status color hint
func StatusStyle(hint string) lipgloss.Style {
	c, ok := statusColors[hint]
	if !ok {
		c = Text
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true)
}

// Severity styles for conflict listings
var (
	SeverityLow      = lipgloss.NewStyle().Foreground(Muted)
	SeverityMedium   = lipgloss.NewStyle().Foreground(Warning)
	SeverityHigh     = lipgloss.NewStyle().Foreground(Secondary).Bold(true)
	SeverityCritical = lipgloss.NewStyle().Foreground(Error).Bold(true)
)

// FormatSeverity returns a styled severity label
func FormatSeverity(sev string) string {
	switch sev {
	case "Critical":
		return SeverityCritical.Render(sev)
	case "High":
		return SeverityHigh.Render(sev)
	case "Medium":
		return SeverityMedium.Render(sev)
	}
	return SeverityLow.Render(sev)
}

// FormatLatency formats a probe latency, or "down" for a dead endpoint
func FormatLatency(live bool, ms int64) string {
	if !live {
		return ErrorText.Render("down")
	}
	return SuccessText.Render(fmt.Sprintf("%dms", ms))
}

// FormatWarning formats a warning message
func FormatWarning(msg string) string {
	return WarningText.Render("! " + msg)
}
