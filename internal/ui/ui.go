// Package ui provides styled terminal output helpers for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderAccent styles a highlight (headings, symbols).
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderSuccess styles a success message.
func RenderSuccess(s string) string { return successStyle.Render(s) }

// RenderWarn styles a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles an error message.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }
