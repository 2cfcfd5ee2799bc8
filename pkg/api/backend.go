package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type BackendKind uint8

const (
	// Runs the engine in this process
	BackendNative BackendKind = iota

	// Runs the engine in a WebAssembly module. Calls are sent one at a time.
	BackendWASM

	// Runs the engine in a WebAssembly module. Calls are pipelined so several
	// can be in flight at once.
	BackendWASMWorker
)

var backendKindToString = []string{"native", "wasm", "wasm-worker"}

func (kind BackendKind) String() string {
	if int(kind) < len(backendKindToString) {
		return backendKindToString[kind]
	}
	return fmt.Sprintf("BackendKind(%d)", uint8(kind))
}

func ParseBackendKind(text string) (BackendKind, error) {
	for i, name := range backendKindToString {
		if name == text {
			return BackendKind(i), nil
		}
	}
	return BackendNative, &config.ConfigurationError{Text: fmt.Sprintf("Invalid backend: %q (valid: native, wasm, wasm-worker)", text)}
}

// Backend is one instance of the build engine. All backends produce the same
// results for the same calls.
type Backend interface {
	Kind() BackendKind
	Build(options BuildOptions) BuildResult
	Context(options BuildOptions) (BuildContext, *ContextError)
	Transform(input string, options TransformOptions) TransformResult
	AnalyzeMetafile(metafile string, options AnalyzeMetafileOptions) (string, error)
	Close() error
}

type InitializeOptions struct {
	Backend BackendKind

	// The service binary compiled with GOOS=wasip1. Required for the
	// WebAssembly backends.
	WASMModule []byte

	// Optional. Hook metrics are registered here.
	MetricsRegisterer prometheus.Registerer

	// Optional. Defaults to the process-wide logger.
	Logger *zap.Logger
}

func (options InitializeOptions) pipelineOptions() pipeline.Options {
	var metrics *pipeline.Metrics
	if options.MetricsRegisterer != nil {
		metrics = pipeline.NewMetrics(options.MetricsRegisterer)
	}
	return pipeline.Options{Metrics: metrics, Log: options.logger()}
}

func (options InitializeOptions) logger() *zap.Logger {
	if options.Logger != nil {
		return options.Logger
	}
	return logger.Zap()
}

// NewBackend creates a backend that is independent of the package-level one.
// The caller must close it.
func NewBackend(ctx context.Context, options InitializeOptions) (Backend, error) {
	switch options.Backend {
	case BackendNative:
		return newNativeBackend(options), nil

	case BackendWASM, BackendWASMWorker:
		return newWASMBackend(ctx, options)

	default:
		return nil, &config.ConfigurationError{Text: fmt.Sprintf("Invalid backend: %d", options.Backend)}
	}
}

var (
	defaultMutex sync.Mutex
	defaultValue Backend
)

// Initialize chooses the backend used by the package-level functions. It can
// only be called once, and only before any of those functions has run,
// unless Stop is called in between.
func Initialize(options InitializeOptions) error {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultValue != nil {
		return &config.ConfigurationError{Text: `Cannot call "Initialize" more than once`}
	}

	backend, err := NewBackend(context.Background(), options)
	if err != nil {
		return err
	}
	defaultValue = backend
	options.logger().Debug("initialized", zap.Stringer("backend", backend.Kind()))
	return nil
}

// Stop closes the package-level backend. The next package-level call starts a
// new native backend, or Initialize can be called again.
func Stop() error {
	defaultMutex.Lock()
	backend := defaultValue
	defaultValue = nil
	defaultMutex.Unlock()

	if backend == nil {
		return nil
	}
	return backend.Close()
}

func defaultBackend() Backend {
	defaultMutex.Lock()
	defer defaultMutex.Unlock()

	if defaultValue == nil {
		defaultValue = newNativeBackend(InitializeOptions{})
	}
	return defaultValue
}

////////////////////////////////////////////////////////////////////////////////
// Native backend

type nativeBackend struct {
	pipelineOptions pipeline.Options
}

func newNativeBackend(options InitializeOptions) *nativeBackend {
	return &nativeBackend{pipelineOptions: options.pipelineOptions()}
}

func (b *nativeBackend) Kind() BackendKind {
	return BackendNative
}

func (b *nativeBackend) Build(options BuildOptions) BuildResult {
	ctx, err := b.Context(options)
	if err != nil {
		return BuildResult{Errors: err.Errors}
	}
	result := ctx.Rebuild()
	ctx.Dispose()
	return result
}

func (b *nativeBackend) Context(options BuildOptions) (BuildContext, *ContextError) {
	p, err := loadPlugins(&options, b.pipelineOptions)
	if err != nil {
		return nil, &ContextError{Errors: []Message{messageFromError(err)}}
	}

	ctx, errors := newNativeContext(options, p)
	if ctx == nil {
		return nil, &ContextError{Errors: errors}
	}
	return ctx, nil
}

func (b *nativeBackend) Transform(input string, options TransformOptions) TransformResult {
	return transformImpl(input, options)
}

func (b *nativeBackend) AnalyzeMetafile(metafile string, options AnalyzeMetafileOptions) (string, error) {
	return analyzeMetafileImpl(metafile, options)
}

func (b *nativeBackend) Close() error {
	return nil
}
