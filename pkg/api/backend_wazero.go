//go:build !wasip1

package api

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// The module is the ezburn binary compiled with GOOS=wasip1 GOARCH=wasm. It
// is started with "--service" and speaks the same protocol over its stdin and
// stdout that RunService does.
func newWASMBackend(ctx context.Context, options InitializeOptions) (Backend, error) {
	if len(options.WASMModule) == 0 {
		return nil, &config.ConfigurationError{Text: "The WebAssembly backends need a module in \"WASMModule\""}
	}
	log := options.logger().Named("wasm")

	runtime := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, runtime)

	compiled, err := runtime.CompileModule(ctx, options.WASMModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, &config.ConfigurationError{Text: "The WebAssembly module could not be compiled", Err: err}
	}

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	moduleConfig := wazero.NewModuleConfig().
		WithArgs("ezburn", "--service").
		WithStdin(stdinReader).
		WithStdout(stdoutWriter).
		WithStderr(os.Stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount("/", "/")).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithName("")

	exited := make(chan error, 1)
	go func() {
		_, err := runtime.InstantiateModule(context.Background(), compiled, moduleConfig)
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		if err != nil {
			log.Warn("module exited", zap.Error(err))
		}

		// Anything still reading from the module sees the end of the stream
		stdoutWriter.CloseWithError(io.EOF)
		exited <- err
	}()

	conn := &pipeConn{reader: stdoutReader, writer: stdinWriter}
	closeFn := func() error {
		err := <-exited
		runtime.Close(context.Background())
		return err
	}

	b, err := newServiceBackend(ctx, conn, options, closeFn)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// pipeConn joins the module's stdout and stdin into one connection. Closing
// it ends the module's stdin, which makes the service return.
type pipeConn struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (c *pipeConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *pipeConn) Write(p []byte) (int, error) {
	return c.writer.Write(p)
}

func (c *pipeConn) Close() error {
	return c.writer.Close()
}
