package util

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// references: https://no-color.org/

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// ShouldUseColors decides whether styled terminal output should be used,
// honouring NO_COLOR/FORCE_COLOR before falling back to a TTY check.
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if relayColors := os.Getenv("RELAY_FORCE_COLORS"); relayColors != "" {
		return strings.ToLower(relayColors) == "true"
	}

	return IsTerminal()
}
