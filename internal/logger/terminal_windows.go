//go:build windows

package logger

import (
	"os"

	"golang.org/x/sys/windows"
)

const SupportsColorEscapes = true

// Colors are written as ANSI escapes, which consoles only understand once
// virtual terminal processing is switched on.
func GetTerminalInfo(file *os.File) TerminalInfo {
	handle := windows.Handle(file.Fd())

	var mode uint32
	if err := windows.GetConsoleMode(handle, &mode); err != nil {
		return TerminalInfo{}
	}
	info := TerminalInfo{IsTTY: true}

	var buffer windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(handle, &buffer); err == nil {
		info.Width = int(buffer.Window.Right-buffer.Window.Left) + 1
		info.Height = int(buffer.Window.Bottom-buffer.Window.Top) + 1
	}

	if !hasNoColorEnvironmentVariable() {
		vt := mode | windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
		info.UseColorEscapes = mode == vt || windows.SetConsoleMode(handle, vt) == nil
	}
	return info
}
