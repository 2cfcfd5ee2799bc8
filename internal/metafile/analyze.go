package metafile

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
)

type Options struct {
	Color bool

	// Order outputs and inputs by size, largest first. Ties keep their
	// original order.
	Sort bool
}

const (
	connectorMiddle = " ├ "
	connectorLast   = " └ "
)

type row struct {
	connector string
	name      string
	size      string
	percent   string
}

func (r row) nameLen() int {
	return utf8.RuneCountInString(r.connector) + utf8.RuneCountInString(r.name)
}

// AnalyzeJSON parses a metafile and renders its report.
func AnalyzeJSON(text string, options Options) (string, error) {
	m, err := Parse(text)
	if err != nil {
		return "", err
	}
	return Analyze(m, options)
}

// Analyze renders one block per output: the output itself followed by each
// input with its share of the output's size. The result only depends on the
// arguments.
func Analyze(m Metafile, options Options) (string, error) {
	outputs := m.Outputs
	if options.Sort {
		outputs = sortedBySize(outputs)
	}

	groups := make([][]row, 0, len(outputs))
	for _, output := range outputs {
		if output.Bytes < 0 {
			return "", &config.ConfigurationError{Text: fmt.Sprintf("Output %q has a negative size", output.Path)}
		}
		if output.Bytes > MaxBytes {
			return "", &config.ConfigurationError{Text: fmt.Sprintf("Output %q is larger than %d bytes", output.Path, int64(MaxBytes))}
		}

		inputs := output.Inputs
		if options.Sort {
			inputs = sortedInputsBySize(inputs)
		}

		rows := make([]row, 0, len(inputs)+1)
		rows = append(rows, row{
			name:    output.Path,
			size:    formatSize(output.Bytes),
			percent: "100.0%",
		})

		for i, input := range inputs {
			if input.BytesInOutput < 0 {
				return "", &config.ConfigurationError{Text: fmt.Sprintf("Input %q of output %q has a negative size", input.Path, output.Path)}
			}
			if input.BytesInOutput > MaxBytes {
				return "", &config.ConfigurationError{Text: fmt.Sprintf("Input %q of output %q is larger than %d bytes", input.Path, output.Path, int64(MaxBytes))}
			}
			if output.Bytes == 0 && input.BytesInOutput != 0 {
				return "", &config.ConfigurationError{Text: fmt.Sprintf(
					"Output %q has a size of zero but input %q contributes %d bytes", output.Path, input.Path, input.BytesInOutput)}
			}

			connector := connectorMiddle
			if i+1 == len(inputs) {
				connector = connectorLast
			}
			rows = append(rows, row{
				connector: connector,
				name:      input.Path,
				size:      formatSize(input.BytesInOutput),
				percent:   formatPercent(input.BytesInOutput, output.Bytes),
			})
		}

		groups = append(groups, rows)
	}

	// Column widths are shared by every output so the whole report lines up
	maxName := 0
	maxSize := 0
	maxPercent := 0
	for _, rows := range groups {
		for _, r := range rows {
			if n := r.nameLen(); n > maxName {
				maxName = n
			}
			if n := len(r.size); n > maxSize {
				maxSize = n
			}
			if n := len(r.percent); n > maxPercent {
				maxPercent = n
			}
		}
	}

	colors := logger.Colors{}
	if options.Color {
		colors = logger.TerminalColors
	}

	sb := strings.Builder{}
	sb.WriteString("\n")

	for i, rows := range groups {
		if i > 0 {
			sb.WriteString("\n")
		}
		for _, r := range rows {
			sb.WriteString("  ")
			if r.connector == "" {
				sb.WriteString(colors.Bold + r.name + colors.Reset)
			} else {
				sb.WriteString(colors.Dim + r.connector + colors.Reset + r.name)
			}
			sb.WriteString(strings.Repeat(" ", maxName-r.nameLen()))
			sb.WriteString("  ")
			sb.WriteString(strings.Repeat(" ", maxSize-len(r.size)))
			sb.WriteString(colors.Cyan + r.size + colors.Reset)
			sb.WriteString("  ")
			sb.WriteString(strings.Repeat(" ", maxPercent-len(r.percent)))
			sb.WriteString(r.percent)
			sb.WriteString("\n")
		}
	}

	return sb.String(), nil
}

func sortedBySize(outputs []Output) []Output {
	clone := append([]Output(nil), outputs...)
	sort.SliceStable(clone, func(i int, j int) bool {
		return clone[i].Bytes > clone[j].Bytes
	})
	return clone
}

func sortedInputsBySize(inputs []Input) []Input {
	clone := append([]Input(nil), inputs...)
	sort.SliceStable(clone, func(i int, j int) bool {
		return clone[i].BytesInOutput > clone[j].BytesInOutput
	})
	return clone
}

// Rounds num/den to the nearest integer with ties going away from zero.
// Both arguments must be non-negative and den must be positive.
func roundDiv(num int64, den int64) int64 {
	q := num / den
	if 2*(num%den) >= den {
		q++
	}
	return q
}

func formatSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%db", bytes)
	}
	tenths := roundDiv(bytes*10, 1024)
	return fmt.Sprintf("%d.%dkb", tenths/10, tenths%10)
}

func formatPercent(part int64, whole int64) string {
	if whole == 0 {
		return "0.0%"
	}
	tenths := roundDiv(part*1000, whole)
	return fmt.Sprintf("%d.%d%%", tenths/10, tenths%10)
}
