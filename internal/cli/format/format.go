// Package format provides CLI output formatting with TTY detection.
package format

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// maxRenderSize caps pretty-printed output per call.
const maxRenderSize = 10 * 1024 * 1024 // 10MB

// ansiEscapeRegex matches ANSI escape sequences for sanitization.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Sanitize removes ANSI escape sequences. Step output and error text
// can carry bytes from fetched files; none of it gets to drive the
// terminal.
func Sanitize(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// JSON pretty-prints v with 2-space indentation.
func JSON(v any) (string, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	if len(formatted) > maxRenderSize {
		return "", fmt.Errorf("output size (%d bytes) exceeds maximum (%d bytes)", len(formatted), maxRenderSize)
	}
	return string(formatted), nil
}
