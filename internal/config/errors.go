package config

import "fmt"

// ConfigurationError reports invalid input detected before any hook runs: a
// bad filter, registration after the pipeline was frozen, malformed metafile
// data, or bad backend options.
type ConfigurationError struct {
	PluginName string
	Text       string
	Err        error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Text, e.Err.Error())
	}
	return e.Text
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ExitCode makes configuration errors exit with a usage status.
func (e *ConfigurationError) ExitCode() int {
	return 2
}

// PluginError reports a handler that returned an error or panicked. The
// message text is the handler's detail only. The plugin name is a separate
// field so that it can be attached to build messages.
type PluginError struct {
	PluginName string
	Hook       HookKind
	Path       string
	Err        error

	// Only set when the handler panicked
	Stack string
}

func (e *PluginError) Error() string {
	if e.Err == nil {
		return "Plugin failed"
	}
	return e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
