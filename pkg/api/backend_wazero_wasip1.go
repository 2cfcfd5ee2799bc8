//go:build wasip1

package api

import (
	"context"

	"github.com/ezburn/ezburn/internal/config"
)

// A module running inside WebAssembly can't host another one.
func newWASMBackend(ctx context.Context, options InitializeOptions) (Backend, error) {
	return nil, &config.ConfigurationError{Text: "The WebAssembly backends are not available inside WebAssembly"}
}
