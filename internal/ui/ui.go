// Package ui renders zeke's terminal output.
//
// Styling degrades to plain text when stdout is not a terminal or the
// user opts out of color, so command output stays pipeable.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(16)
)

func init() {
	if !term.IsTerminal(int(os.Stdout.Fd())) || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles an informational marker.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles de-emphasized detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderTitle styles a section heading.
func RenderTitle(s string) string { return titleStyle.Render(s) }

// StatusLine renders one aligned "label  value" row for status output.
func StatusLine(label, value string) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label), value)
}

// OnlineBadge renders the connectivity state for status output.
func OnlineBadge(online bool) string {
	if online {
		return RenderPass("online")
	}
	return RenderFail("offline")
}

// CountBadge renders a count, muted at zero and warning-colored above,
// for pending and failed totals.
func CountBadge(n int) string {
	if n == 0 {
		return RenderMuted("0")
	}
	return RenderWarn(fmt.Sprintf("%d", n))
}
