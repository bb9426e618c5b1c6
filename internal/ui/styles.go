// Package ui renders kbus CLI output with optional ANSI colors.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorFail   = 167 // red
)

var noColor bool

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// SetColor enables or disables color output globally.
func SetColor(enabled bool) {
	noColor = !enabled
}

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color. Used for identifiers.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderError returns s in the failure (red) color.
func RenderError(s string) string { return paint(colorFail, s) }

// RenderStatus colors a topic, subscription or delivery status by how
// healthy it is. Unknown values are returned unchanged.
func RenderStatus(status string) string {
	switch status {
	case "active", "delivered", "ok", "SERVING":
		return paint(colorOK, status)
	case "pending", "retrying", "failed":
		return paint(colorWarn, status)
	case "dead", "cancelled", "unavailable", "NOT_SERVING":
		return paint(colorFail, status)
	case "inactive":
		return paint(colorMuted, status)
	}
	return status
}
