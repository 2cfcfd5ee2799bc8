//go:build darwin || linux

package logger

import (
	"os"

	"golang.org/x/sys/unix"
)

const SupportsColorEscapes = true

// A window size is only reported for terminals, so a successful query
// doubles as the terminal check.
func GetTerminalInfo(file *os.File) TerminalInfo {
	size, err := unix.IoctlGetWinsize(int(file.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return TerminalInfo{}
	}
	return TerminalInfo{
		IsTTY:           true,
		UseColorEscapes: !hasNoColorEnvironmentVariable(),
		Width:           int(size.Col),
		Height:          int(size.Row),
	}
}
