package test

import (
	"fmt"
	"os"
	"testing"

	"github.com/ezburn/ezburn/internal/logger"
)

func AssertEqual(t *testing.T, observed interface{}, expected interface{}) {
	t.Helper()
	if observed != expected {
		t.Fatalf("%v != %v", observed, expected)
	}
}

// AssertEqualWithDiff is for multi-line text such as rendered reports, where a
// line diff is far easier to read than two quoted strings.
func AssertEqualWithDiff(t *testing.T, observed interface{}, expected interface{}) {
	t.Helper()
	if observed != expected {
		stringA := fmt.Sprintf("%v", observed)
		stringB := fmt.Sprintf("%v", expected)
		color := logger.GetTerminalInfo(os.Stdout).UseColorEscapes
		t.Fatal("\n" + Diff(stringB, stringA, color))
	}
}
