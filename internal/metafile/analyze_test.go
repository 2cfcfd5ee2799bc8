package metafile

import (
	"errors"
	"regexp"
	"testing"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSize(t *testing.T) {
	check := func(bytes int64, expected string) {
		t.Helper()
		test.AssertEqual(t, formatSize(bytes), expected)
	}

	check(0, "0b")
	check(1, "1b")
	check(1023, "1023b")
	check(1024, "1.0kb")
	check(1075, "1.0kb")
	check(1076, "1.1kb")
	check(4096, "4.0kb")
	check(10*1024*1024, "10240.0kb")
	check(MaxBytes, "8796093022208.0kb")
}

func TestFormatPercent(t *testing.T) {
	check := func(part int64, whole int64, expected string) {
		t.Helper()
		test.AssertEqual(t, formatPercent(part, whole), expected)
	}

	check(1024, 4096, "25.0%")
	check(1, 16, "6.3%")
	check(1, 3, "33.3%")
	check(2, 3, "66.7%")
	check(0, 10, "0.0%")
	check(10, 10, "100.0%")
	check(15, 10, "150.0%")
	check(0, 0, "0.0%")
	check(MaxBytes, MaxBytes, "100.0%")
	check(MaxBytes, 1, "900719925474099100.0%")
}

func TestAnalyzeExactReport(t *testing.T) {
	text, err := AnalyzeJSON(`{"outputs":{"out.js":{"bytes":4096,"inputs":{"in.js":{"bytesInOutput":1024}}}}}`, Options{})
	require.NoError(t, err)
	test.AssertEqualWithDiff(t, text, "\n  out.js    4.0kb  100.0%\n   └ in.js  1.0kb   25.0%\n")
}

func TestAnalyzeSeveralOutputs(t *testing.T) {
	m := Metafile{Outputs: []Output{
		{Path: "dist/a.js", Bytes: 2000, Inputs: []Input{
			{Path: "src/a.js", BytesInOutput: 1500},
			{Path: "node_modules/lib/index.js", BytesInOutput: 400},
			{Path: "src/ü.js", BytesInOutput: 100},
		}},
		{Path: "dist/b.js", Bytes: 12, Inputs: []Input{
			{Path: "src/b.js", BytesInOutput: 12},
		}},
	}}

	text, err := Analyze(m, Options{})
	require.NoError(t, err)
	test.AssertEqualWithDiff(t, text, ""+
		"\n"+
		"  dist/a.js                     2.0kb  100.0%\n"+
		"   ├ src/a.js                   1.5kb   75.0%\n"+
		"   ├ node_modules/lib/index.js   400b   20.0%\n"+
		"   └ src/ü.js                    100b    5.0%\n"+
		"\n"+
		"  dist/b.js                       12b  100.0%\n"+
		"   └ src/b.js                     12b  100.0%\n")
}

func TestAnalyzeIsPure(t *testing.T) {
	m := Metafile{Outputs: []Output{
		{Path: "out.js", Bytes: 100, Inputs: []Input{
			{Path: "small.js", BytesInOutput: 10},
			{Path: "big.js", BytesInOutput: 90},
		}},
	}}

	first, err := Analyze(m, Options{Sort: true})
	require.NoError(t, err)
	second, err := Analyze(m, Options{Sort: true})
	require.NoError(t, err)
	test.AssertEqual(t, first, second)

	// Sorting must not reorder the caller's data
	test.AssertEqual(t, m.Outputs[0].Inputs[0].Path, "small.js")

	unsorted, err := Analyze(m, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first, unsorted)
}

func TestAnalyzeSort(t *testing.T) {
	m := Metafile{Outputs: []Output{
		{Path: "small.js", Bytes: 10, Inputs: []Input{{Path: "s.js", BytesInOutput: 10}}},
		{Path: "big.js", Bytes: 100, Inputs: []Input{
			{Path: "tie1.js", BytesInOutput: 30},
			{Path: "large.js", BytesInOutput: 40},
			{Path: "tie2.js", BytesInOutput: 30},
		}},
	}}

	text, err := Analyze(m, Options{Sort: true})
	require.NoError(t, err)
	test.AssertEqualWithDiff(t, text, ""+
		"\n"+
		"  big.js       100b  100.0%\n"+
		"   ├ large.js   40b   40.0%\n"+
		"   ├ tie1.js    30b   30.0%\n"+
		"   └ tie2.js    30b   30.0%\n"+
		"\n"+
		"  small.js      10b  100.0%\n"+
		"   └ s.js       10b  100.0%\n")
}

func TestAnalyzeColor(t *testing.T) {
	m := Metafile{Outputs: []Output{
		{Path: "out.js", Bytes: 4096, Inputs: []Input{{Path: "in.js", BytesInOutput: 1024}}},
	}}

	plain, err := Analyze(m, Options{})
	require.NoError(t, err)
	colored, err := Analyze(m, Options{Color: true})
	require.NoError(t, err)

	assert.NotEqual(t, plain, colored)
	assert.Contains(t, colored, "\033[1mout.js\033[0m")
	stripped := regexp.MustCompile("\033\\[[0-9;]*m").ReplaceAllString(colored, "")
	test.AssertEqualWithDiff(t, stripped, plain)
}

func TestAnalyzeZeroByteOutput(t *testing.T) {
	text, err := Analyze(Metafile{Outputs: []Output{
		{Path: "empty.js", Bytes: 0, Inputs: []Input{{Path: "a.js", BytesInOutput: 0}}},
	}}, Options{})
	require.NoError(t, err)
	test.AssertEqualWithDiff(t, text, "\n  empty.js  0b  100.0%\n   └ a.js   0b    0.0%\n")

	_, err = Analyze(Metafile{Outputs: []Output{
		{Path: "empty.js", Bytes: 0, Inputs: []Input{{Path: "a.js", BytesInOutput: 3}}},
	}}, Options{})
	var configErr *config.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, `Output "empty.js" has a size of zero but input "a.js" contributes 3 bytes`, err.Error())
}

func TestAnalyzeNoOutputs(t *testing.T) {
	text, err := AnalyzeJSON(`{"inputs":{},"outputs":{}}`, Options{})
	require.NoError(t, err)
	test.AssertEqual(t, text, "\n")
}

func TestAnalyzeErrors(t *testing.T) {
	check := func(json string, expected string) {
		t.Helper()
		_, err := AnalyzeJSON(json, Options{})
		var configErr *config.ConfigurationError
		if !errors.As(err, &configErr) {
			t.Fatalf("Expected a configuration error for %s but got %v", json, err)
		}
		test.AssertEqual(t, err.Error(), expected)
	}

	check(`{}`, `The metafile is missing "outputs"`)
	check(`[]`, `Expected metafile to be an object`)
	check(`{"outputs":[]}`, `Expected outputs to be an object`)
	check(`{"outputs":{"a.js":{"inputs":{}}}}`, `The metafile is missing outputs["a.js"].bytes`)
	check(`{"outputs":{"a.js":{"bytes":1}}}`, `The metafile is missing outputs["a.js"].inputs`)
	check(`{"outputs":{"a.js":{"bytes":1,"inputs":{"b.js":{}}}}}`,
		`The metafile is missing outputs["a.js"].inputs["b.js"].bytesInOutput`)
	check(`{"outputs":{"a.js":{"bytes":"1","inputs":{}}}}`, `Expected outputs["a.js"].bytes to be a number`)
	check(`{"outputs":{"a.js":{"bytes":1.5,"inputs":{}}}}`, `Expected outputs["a.js"].bytes to be an integer but found 1.5`)
	check(`{"outputs":{"a.js":{"bytes":-1,"inputs":{}}}}`, `Expected outputs["a.js"].bytes to be non-negative but found -1`)
	check(`{"outputs":{"a.js":{"bytes":1,"inputs":{"b.js":{"bytesInOutput":-2}}}}}`,
		`Expected outputs["a.js"].inputs["b.js"].bytesInOutput to be non-negative but found -2`)

	check(`{"outputs":{"a.js":{"bytes":9007199254740992,"inputs":{}}}}`,
		`Expected outputs["a.js"].bytes to be at most 9007199254740991 but found 9007199254740992`)
	check(`{"outputs":{"a.js":{"bytes":1,"inputs":{}},"a.js":{"bytes":2,"inputs":{}}}}`,
		`The metafile has more than one output "a.js"`)
	check(`{"outputs":{"a.js":{"bytes":2,"inputs":{"b.js":{"bytesInOutput":1},"b.js":{"bytesInOutput":1}}}}}`,
		`The metafile has more than one input "b.js" in outputs["a.js"]`)

	_, err := Analyze(Metafile{Outputs: []Output{{Path: "a.js", Bytes: MaxBytes + 1}}}, Options{})
	test.AssertEqual(t, err.Error(), `Output "a.js" is larger than 9007199254740991 bytes`)
	_, err = Analyze(Metafile{Outputs: []Output{{Path: "a.js", Bytes: 1, Inputs: []Input{{Path: "b.js", BytesInOutput: MaxBytes + 1}}}}}, Options{})
	test.AssertEqual(t, err.Error(), `Input "b.js" of output "a.js" is larger than 9007199254740991 bytes`)

	_, err = AnalyzeJSON(`{"outputs":`, Options{})
	var configErr *config.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Contains(t, err.Error(), "The metafile is not valid JSON")

	_, err = AnalyzeJSON(`{"outputs":{}} {}`, Options{})
	require.True(t, errors.As(err, &configErr))
}

func TestParseKeepsOrderAndSkipsUnknownKeys(t *testing.T) {
	m, err := Parse(`{
		"inputs": {"z.js": {"bytes": 1, "imports": []}},
		"outputs": {
			"z.js": {"imports": [], "exports": ["a"], "bytes": 30, "entryPoint": "z.js",
				"inputs": {"z.js": {"bytesInOutput": 20}, "a.js": {"bytesInOutput": 5}}},
			"a.js": {"bytes": 0, "inputs": {}}
		}
	}`)
	require.NoError(t, err)
	assert.Equal(t, Metafile{Outputs: []Output{
		{Path: "z.js", Bytes: 30, Inputs: []Input{
			{Path: "z.js", BytesInOutput: 20},
			{Path: "a.js", BytesInOutput: 5},
		}},
		{Path: "a.js", Bytes: 0},
	}}, m)
}
