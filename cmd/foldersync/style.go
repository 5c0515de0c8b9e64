package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/foldersync/internal/engine"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// setupStyles picks the color profile for stdout. Colors are disabled by
// --no-color, NO_COLOR, or when stdout is not a terminal.
func setupStyles(disable bool) {
	if disable || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// statusLabel renders the status column of a folder
func statusLabel(st engine.State) string {
	switch {
	case st.ErrorStatus != engine.ErrorNone:
		return errStyle.Render("error: " + st.ErrorStatus.String())
	case st.Status.IsSyncing():
		return busyStyle.Render(st.Status.String())
	case st.Buffering:
		return busyStyle.Render("changes detected")
	case st.HasUnsyncedChanges:
		return warnStyle.Render("unsynced")
	default:
		return okStyle.Render(st.Status.String())
	}
}
