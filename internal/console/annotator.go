// Package console runs the copilot as an interactive terminal chat.
package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Level picks the colour of an annotation.
type Level int

const (
	LevelInfo Level = iota
	LevelTrace
	LevelWarn
	LevelError
	LevelSuccess
)

// Annotator writes bracketed status lines such as "[attempting code gen: 2]".
// Colours are dropped when out is not a terminal.
type Annotator struct {
	out    io.Writer
	styles map[Level]lipgloss.Style
}

// NewAnnotator returns an annotator rendering against out.
func NewAnnotator(out io.Writer) *Annotator {
	r := lipgloss.NewRenderer(out)
	return &Annotator{
		out: out,
		styles: map[Level]lipgloss.Style{
			LevelInfo:    r.NewStyle().Foreground(lipgloss.Color("#20B9B4")),
			LevelTrace:   r.NewStyle().Foreground(lipgloss.Color("#2C4A54")),
			LevelWarn:    r.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
			LevelError:   r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
			LevelSuccess: r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")).Bold(true),
		},
	}
}

// Line writes one annotation.
func (a *Annotator) Line(level Level, format string, args ...any) {
	msg := "[" + fmt.Sprintf(format, args...) + "]"
	_, _ = fmt.Fprintln(a.out, a.styles[level].Render(msg))
}

// List writes an annotation followed by indented entries.
func (a *Annotator) List(level Level, title string, entries []string) {
	a.Line(level, "%s", title)
	style := a.styles[LevelTrace]
	for _, e := range entries {
		_, _ = fmt.Fprintln(a.out, style.Render("  - "+strings.TrimSpace(e)))
	}
}
