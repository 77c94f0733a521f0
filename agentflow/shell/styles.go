package shell

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	colorPrimary = lipgloss.Color("#2196F3") // Blue
	colorSuccess = lipgloss.Color("#8BC34A") // Lime Green
	colorWarning = lipgloss.Color("#FFC107") // Yellow
	colorError   = lipgloss.Color("#e53935") // Red
	colorMuted   = lipgloss.Color("#9e9e9e")
)

// styles holds the renderer-bound styles for one output stream. The renderer
// drops colors when the writer is not a terminal.
type styles struct {
	banner    lipgloss.Style
	prompt    lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	result    lipgloss.Style
	err       lipgloss.Style
	muted     lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		banner:    r.NewStyle().Foreground(colorPrimary).Bold(true),
		prompt:    r.NewStyle().Foreground(colorSuccess).Bold(true),
		assistant: r.NewStyle().Foreground(colorPrimary).Bold(true),
		tool:      r.NewStyle().Foreground(colorWarning),
		result:    r.NewStyle().Foreground(colorSuccess),
		err:       r.NewStyle().Foreground(colorError).Bold(true),
		muted:     r.NewStyle().Foreground(colorMuted),
	}
}
