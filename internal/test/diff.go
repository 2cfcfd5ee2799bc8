package test

import (
	"strings"

	"github.com/ezburn/ezburn/internal/logger"
	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified line diff from expected to observed, or an empty
// string when they are equal.
func Diff(expected string, observed string, color bool) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(observed),
		FromFile: "expected",
		ToFile:   "observed",
		Context:  3,
	})
	if err != nil {
		return err.Error()
	}
	if !color {
		return text
	}

	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			lines[i] = colorLine(logger.TerminalColors.Bold, line)
		case strings.HasPrefix(line, "-"):
			lines[i] = colorLine(logger.TerminalColors.Red, line)
		case strings.HasPrefix(line, "+"):
			lines[i] = colorLine(logger.TerminalColors.Green, line)
		}
	}
	return strings.Join(lines, "")
}

func colorLine(color string, line string) string {
	body := strings.TrimSuffix(line, "\n")
	return color + body + logger.TerminalColors.Reset + line[len(body):]
}
