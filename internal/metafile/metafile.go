package metafile

// A metafile is the JSON document the engine writes when "metafile" is
// enabled. Only the parts needed for the size report are decoded here. Object
// key order matters because the report lists outputs and inputs in the order
// the engine wrote them, so the document is walked token by token instead of
// being decoded into maps.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ezburn/ezburn/internal/config"
)

// MaxBytes is the largest size accepted, which is also the largest integer a
// JSON number holds exactly. Sizes are scaled by 1000 when rendering, which
// stays within an int64 up to here.
const MaxBytes = 1<<53 - 1

type Metafile struct {
	Outputs []Output
}

type Output struct {
	Path   string
	Bytes  int64
	Inputs []Input
}

// BytesInOutput values of all inputs need not add up to the output's Bytes.
// The engine adds its own runtime code and whitespace.
type Input struct {
	Path          string
	BytesInOutput int64
}

func Parse(text string) (Metafile, error) {
	p := parser{decoder: json.NewDecoder(strings.NewReader(text))}
	p.decoder.UseNumber()

	var result Metafile
	hasOutputs := false

	err := p.object("metafile", func(key string) error {
		if key != "outputs" {
			return p.skip()
		}
		hasOutputs = true
		seen := make(map[string]bool)
		return p.object("outputs", func(outputPath string) error {
			if seen[outputPath] {
				return &config.ConfigurationError{Text: fmt.Sprintf("The metafile has more than one output %q", outputPath)}
			}
			seen[outputPath] = true
			output, err := p.output(outputPath)
			if err != nil {
				return err
			}
			result.Outputs = append(result.Outputs, output)
			return nil
		})
	})
	if err != nil {
		return Metafile{}, err
	}

	if _, err := p.decoder.Token(); err != io.EOF {
		return Metafile{}, invalidJSON(errors.New("unexpected data after the top-level object"))
	}
	if !hasOutputs {
		return Metafile{}, &config.ConfigurationError{Text: `The metafile is missing "outputs"`}
	}
	return result, nil
}

type parser struct {
	decoder *json.Decoder
}

func invalidJSON(err error) error {
	return &config.ConfigurationError{Text: "The metafile is not valid JSON", Err: err}
}

// object walks the members of a JSON object in document order.
func (p *parser) object(what string, visit func(key string) error) error {
	if err := p.delim('{', what); err != nil {
		return err
	}
	for p.decoder.More() {
		token, err := p.decoder.Token()
		if err != nil {
			return invalidJSON(err)
		}
		key, ok := token.(string)
		if !ok {
			return invalidJSON(fmt.Errorf("expected an object key in %s", what))
		}
		if err := visit(key); err != nil {
			return err
		}
	}
	return p.delim('}', what)
}

func (p *parser) delim(expected json.Delim, what string) error {
	token, err := p.decoder.Token()
	if err != nil {
		return invalidJSON(err)
	}
	if token != expected {
		if expected == '{' {
			return &config.ConfigurationError{Text: fmt.Sprintf("Expected %s to be an object", what)}
		}
		return invalidJSON(fmt.Errorf("expected %q in %s", string(expected), what))
	}
	return nil
}

func (p *parser) skip() error {
	var value json.RawMessage
	if err := p.decoder.Decode(&value); err != nil {
		return invalidJSON(err)
	}
	return nil
}

func (p *parser) count(what string) (int64, error) {
	token, err := p.decoder.Token()
	if err != nil {
		return 0, invalidJSON(err)
	}
	number, ok := token.(json.Number)
	if !ok {
		return 0, &config.ConfigurationError{Text: fmt.Sprintf("Expected %s to be a number", what)}
	}
	n, err := number.Int64()
	if err != nil {
		return 0, &config.ConfigurationError{Text: fmt.Sprintf("Expected %s to be an integer but found %s", what, number)}
	}
	if n < 0 {
		return 0, &config.ConfigurationError{Text: fmt.Sprintf("Expected %s to be non-negative but found %d", what, n)}
	}
	if n > MaxBytes {
		return 0, &config.ConfigurationError{Text: fmt.Sprintf("Expected %s to be at most %d but found %d", what, int64(MaxBytes), n)}
	}
	return n, nil
}

func (p *parser) output(outputPath string) (Output, error) {
	output := Output{Path: outputPath}
	what := fmt.Sprintf("outputs[%q]", outputPath)
	hasBytes := false
	hasInputs := false

	err := p.object(what, func(key string) (err error) {
		switch key {
		case "bytes":
			hasBytes = true
			output.Bytes, err = p.count(what + ".bytes")
			return

		case "inputs":
			hasInputs = true
			seen := make(map[string]bool)
			return p.object(what+".inputs", func(inputPath string) error {
				if seen[inputPath] {
					return &config.ConfigurationError{Text: fmt.Sprintf("The metafile has more than one input %q in %s", inputPath, what)}
				}
				seen[inputPath] = true
				input, err := p.input(what, inputPath)
				if err != nil {
					return err
				}
				output.Inputs = append(output.Inputs, input)
				return nil
			})

		default:
			return p.skip()
		}
	})
	if err != nil {
		return Output{}, err
	}

	if !hasBytes {
		return Output{}, &config.ConfigurationError{Text: fmt.Sprintf(`The metafile is missing %s.bytes`, what)}
	}
	if !hasInputs {
		return Output{}, &config.ConfigurationError{Text: fmt.Sprintf(`The metafile is missing %s.inputs`, what)}
	}
	return output, nil
}

func (p *parser) input(outputWhat string, inputPath string) (Input, error) {
	input := Input{Path: inputPath}
	what := fmt.Sprintf("%s.inputs[%q]", outputWhat, inputPath)
	hasBytes := false

	err := p.object(what, func(key string) (err error) {
		if key != "bytesInOutput" {
			return p.skip()
		}
		hasBytes = true
		input.BytesInOutput, err = p.count(what + ".bytesInOutput")
		return
	})
	if err != nil {
		return Input{}, err
	}

	if !hasBytes {
		return Input{}, &config.ConfigurationError{Text: fmt.Sprintf(`The metafile is missing %s.bytesInOutput`, what)}
	}
	return input, nil
}
