package helpers

import (
	"runtime/debug"
	"strings"
)

// PrettyPrintedStack returns the current goroutine's stack with one frame per
// line in the form "package.Function (file.go:123)".
func PrettyPrintedStack() string {
	return prettyPrintStack(string(debug.Stack()))
}

func prettyPrintStack(stack string) string {
	lines := strings.Split(strings.TrimSpace(stack), "\n")

	// The first line names the goroutine
	if len(lines) > 0 {
		if first := lines[0]; strings.HasPrefix(first, "goroutine ") && strings.HasSuffix(first, ":") {
			lines = lines[1:]
		}
	}

	sb := strings.Builder{}

	for _, line := range lines {
		// Source locations are indented by a tab and follow their function
		if strings.HasPrefix(line, "\t") {
			line = line[1:]
			if offset := strings.LastIndex(line, " +0x"); offset != -1 {
				line = line[:offset]
			}
			if slash := strings.LastIndexByte(line, '/'); slash != -1 {
				line = line[slash+1:]
			}
			sb.WriteString(" (")
			sb.WriteString(line)
			sb.WriteString(")")
			continue
		}

		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		if strings.HasSuffix(line, ")") {
			if paren := strings.LastIndexByte(line, '('); paren != -1 {
				line = line[:paren]
			}
		}
		if slash := strings.LastIndexByte(line, '/'); slash != -1 {
			line = line[slash+1:]
		}
		sb.WriteString(line)
	}

	return sb.String()
}
