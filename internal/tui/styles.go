package tui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles the Model and its cell renderers draw
// with. Trimmed to the fields this JSON-RPC-backed front end actually
// paints — no approval/escalation prompt styling, since those flows are
// covered by the selector instead.
type Styles struct {
	// User message prompt line ("❯ ...")
	UserMessage lipgloss.Style
	// Separator rule between viewport/input/status
	Separator lipgloss.Style
	// Status line (spinner message, Ready./Connected.)
	StatusLine lipgloss.Style
	// Spinner message while the conversation is still starting
	SpinnerMessage lipgloss.Style
	// Exec cell exit code 0 ("✓ ...")
	ExecSuccess lipgloss.Style
	// Exec cell non-zero exit code ("✗ ...")
	ExecFailure lipgloss.Style
	// Exec cell "└ Running…" wait note
	ExecWaitNote lipgloss.Style
	// Selector chevron indicator
	SelectorChevron lipgloss.Style
	// Selector highlighted item
	SelectorSelected lipgloss.Style
	// Selector shortcut hint
	SelectorShortcut lipgloss.Style
}

// DefaultStyles returns styles with colors enabled.
func DefaultStyles() Styles {
	return Styles{
		UserMessage:      lipgloss.NewStyle().Bold(true),
		Separator:        lipgloss.NewStyle().Faint(true),
		StatusLine:       lipgloss.NewStyle().Faint(true),
		SpinnerMessage:   lipgloss.NewStyle().Faint(true),
		ExecSuccess:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // green
		ExecFailure:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // red
		ExecWaitNote:     lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // yellow
		SelectorChevron:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		SelectorSelected: lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		SelectorShortcut: lipgloss.NewStyle().Faint(true),
	}
}

// NoColorStyles returns styles with no colors (plain text), used when the
// TUI is run with -no-color or output isn't a terminal.
func NoColorStyles() Styles {
	return Styles{
		UserMessage:      lipgloss.NewStyle(),
		Separator:        lipgloss.NewStyle(),
		StatusLine:       lipgloss.NewStyle(),
		SpinnerMessage:   lipgloss.NewStyle(),
		ExecSuccess:      lipgloss.NewStyle(),
		ExecFailure:      lipgloss.NewStyle(),
		ExecWaitNote:     lipgloss.NewStyle(),
		SelectorChevron:  lipgloss.NewStyle(),
		SelectorSelected: lipgloss.NewStyle(),
		SelectorShortcut: lipgloss.NewStyle(),
	}
}
