package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	colorize = term.IsTerminal(int(os.Stdout.Fd()))

	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func render(style lipgloss.Style, s string) string {
	if !colorize {
		return s
	}
	return style.Render(s)
}

func renderPass(s string) string   { return render(passStyle, s) }
func renderWarn(s string) string   { return render(warnStyle, s) }
func renderFail(s string) string   { return render(failStyle, s) }
func renderAccent(s string) string { return render(accentStyle, s) }
func renderMuted(s string) string  { return render(mutedStyle, s) }
func renderHeader(s string) string { return render(headerStyle, s) }
