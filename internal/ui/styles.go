// Package ui holds the terminal styles used by the sk command.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passColor   = lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}
	failColor   = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}
	accentColor = lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}
)

var renderer = lipgloss.NewRenderer(os.Stdout)

// SetOutput points the styles at w and re-detects its color support.
// NO_COLOR and non-terminal writers get plain text.
func SetOutput(w io.Writer) {
	renderer = lipgloss.NewRenderer(w, termenv.WithColorCache(true))
	if os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}
}

// SetColor forces colored output on or off.
func SetColor(enabled bool) {
	if enabled {
		renderer.SetColorProfile(termenv.TrueColor)
		return
	}
	renderer.SetColorProfile(termenv.Ascii)
}

// ColorEnabled reports whether styles emit escape codes.
func ColorEnabled() bool {
	return renderer.ColorProfile() != termenv.Ascii
}

func style(c lipgloss.TerminalColor) lipgloss.Style {
	return renderer.NewStyle().Foreground(c)
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return style(passColor).Render(s) }

// RenderWarn styles a warning.
func RenderWarn(s string) string { return style(warnColor).Render(s) }

// RenderFail styles a failure.
func RenderFail(s string) string { return style(failColor).Bold(true).Render(s) }

// RenderAccent highlights a value.
func RenderAccent(s string) string { return style(accentColor).Bold(true).Render(s) }

// RenderMuted dims secondary text.
func RenderMuted(s string) string { return style(mutedColor).Render(s) }

// Table renders rows as aligned columns under a bold header.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	head := renderer.NewStyle().Bold(true)
	writeRow := func(cells []string, st *lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			if st != nil {
				cell = st.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteByte('\n')
	}
	writeRow(header, &head)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}

// KeyValue renders "key: value" with the key muted.
func KeyValue(key string, value any) string {
	return fmt.Sprintf("%s %v", RenderMuted(key+":"), value)
}
