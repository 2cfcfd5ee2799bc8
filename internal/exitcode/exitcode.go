package exitcode

import (
	"errors"
	"os"

	"github.com/spf13/pflag"
)

const (
	Success = 0
	Failure = 1
	Usage   = 2
)

// Coder is implemented by errors that choose their own exit code, such as
// configuration errors.
type Coder interface {
	error
	ExitCode() int
}

// Get maps an error to a process exit code:
//
//	nil                      => Success
//	a Coder in the chain     => its ExitCode
//	pflag.ErrHelp            => Usage
//	anything else            => Failure
func Get(err error) int {
	if err == nil {
		return Success
	}

	var c Coder
	if errors.As(err, &c) {
		return c.ExitCode()
	}

	if errors.Is(err, pflag.ErrHelp) {
		return Usage
	}

	return Failure
}

// Set attaches an exit code to err without changing its message.
func Set(err error, code int) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }
func (e *codedError) ExitCode() int { return e.code }

// Exit terminates the process with the exit code for err.
func Exit(err error) {
	os.Exit(Get(err))
}
