package format

import (
	"os"

	"golang.org/x/term"
)

// IsTTY reports whether stdout should receive styled terminal output.
// Piped output, NO_COLOR, and a dumb or unset TERM all disable styling.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	switch os.Getenv("TERM") {
	case "", "dumb":
		return false
	}

	return term.IsTerminal(int(os.Stdout.Fd()))
}
