package api

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/pipeline"
	"github.com/ezburn/ezburn/internal/protocol"
	"go.uber.org/zap"
)

// serviceBackend talks to a service started with RunService on the other end
// of a connection. Hooks stay in this process and are called back by index.
type serviceBackend struct {
	kind            BackendKind
	conn            io.ReadWriteCloser
	stream          *protocol.Stream
	pipelineOptions pipeline.Options
	log             *zap.Logger

	// Only held for BackendWASM, which runs one call at a time
	callMutex sync.Mutex

	buildsMutex  sync.Mutex
	builds       map[int]*remoteBuild
	nextBuildKey int

	closeOnce sync.Once
	closeErr  error
	closeFn   func() error
}

type remoteBuild struct {
	pipeline *pipeline.Pipeline
	data     pluginDataTable
}

// NewServiceBackend starts a backend over a connection to a running service.
// The kind of backend is taken from options.Backend and must be one of the
// WebAssembly kinds. Closing the backend closes the connection.
func NewServiceBackend(ctx context.Context, conn io.ReadWriteCloser, options InitializeOptions) (Backend, error) {
	b, err := newServiceBackend(ctx, conn, options, nil)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newServiceBackend(ctx context.Context, conn io.ReadWriteCloser, options InitializeOptions, closeFn func() error) (*serviceBackend, error) {
	if options.Backend != BackendWASM && options.Backend != BackendWASMWorker {
		return nil, &config.ConfigurationError{Text: fmt.Sprintf("The %q backend does not run as a service", options.Backend)}
	}

	b := &serviceBackend{
		kind:            options.Backend,
		conn:            conn,
		pipelineOptions: options.pipelineOptions(),
		log:             options.logger().Named("backend").With(zap.Stringer("kind", options.Backend)),
		builds:          make(map[int]*remoteBuild),
		closeFn:         closeFn,
	}
	b.stream = protocol.NewStream(conn, conn, b.handleRequest)

	go func() {
		if err := b.stream.Run(context.Background()); err != nil {
			b.log.Warn("stream ended", zap.Error(err))
		}
	}()

	if _, err := b.stream.SendRequest(ctx, map[string]interface{}{"command": "ping"}); err != nil {
		b.Close()
		return nil, fmt.Errorf("Failed to start the service: %w", err)
	}
	return b, nil
}

func (b *serviceBackend) Kind() BackendKind {
	return b.kind
}

func (b *serviceBackend) call(request map[string]interface{}) (map[string]interface{}, error) {
	if b.kind == BackendWASM {
		b.callMutex.Lock()
		defer b.callMutex.Unlock()
	}
	return b.stream.SendRequest(context.Background(), request)
}

// Requests that must not wait behind a call in flight, such as cancellation,
// skip the call mutex.
func (b *serviceBackend) callNow(request map[string]interface{}) (map[string]interface{}, error) {
	return b.stream.SendRequest(context.Background(), request)
}

func (b *serviceBackend) newRequest(command string, options *BuildOptions) (map[string]interface{}, int, error) {
	p, err := loadPlugins(options, b.pipelineOptions)
	if err != nil {
		return nil, 0, err
	}

	b.buildsMutex.Lock()
	b.nextBuildKey++
	key := b.nextBuildKey
	b.builds[key] = &remoteBuild{pipeline: p}
	b.buildsMutex.Unlock()

	return map[string]interface{}{
		"command": command,
		"key":     key,
		"options": encodeBuildOptions(*options),
		"hooks":   encodeHooks(p.Hooks()),
	}, key, nil
}

func (b *serviceBackend) forgetBuild(key int) {
	b.buildsMutex.Lock()
	delete(b.builds, key)
	b.buildsMutex.Unlock()
}

func (b *serviceBackend) lookupBuild(key int) (*remoteBuild, error) {
	b.buildsMutex.Lock()
	defer b.buildsMutex.Unlock()
	build := b.builds[key]
	if build == nil {
		return nil, &config.ConfigurationError{Text: fmt.Sprintf("There is no build with key %d", key)}
	}
	return build, nil
}

func (b *serviceBackend) Build(options BuildOptions) BuildResult {
	request, key, err := b.newRequest("build", &options)
	if err != nil {
		return BuildResult{Errors: messagesForCallError(err)}
	}
	defer b.forgetBuild(key)

	response, err := b.call(request)
	if err != nil {
		return BuildResult{Errors: messagesForCallError(err)}
	}
	return decodeBuildResult(response)
}

func (b *serviceBackend) Context(options BuildOptions) (BuildContext, *ContextError) {
	request, key, err := b.newRequest("context", &options)
	if err != nil {
		return nil, &ContextError{Errors: messagesForCallError(err)}
	}

	response, err := b.call(request)
	if err != nil {
		b.forgetBuild(key)
		return nil, &ContextError{Errors: messagesForCallError(err)}
	}
	if !getBool(response, "ok") {
		b.forgetBuild(key)
		return nil, &ContextError{Errors: decodeMessages(response["errors"])}
	}
	return &remoteContext{backend: b, key: key}, nil
}

func (b *serviceBackend) Transform(input string, options TransformOptions) TransformResult {
	response, err := b.call(map[string]interface{}{
		"command": "transform",
		"input":   input,
		"options": encodeTransformOptions(options),
	})
	if err != nil {
		return TransformResult{Errors: messagesForCallError(err)}
	}
	return decodeTransformResult(response)
}

func (b *serviceBackend) AnalyzeMetafile(metafile string, options AnalyzeMetafileOptions) (string, error) {
	response, err := b.call(map[string]interface{}{
		"command":  "analyze-metafile",
		"metafile": metafile,
		"color":    options.Color,
		"sort":     options.Sort,
	})
	if err != nil {
		return "", err
	}
	return getString(response, "result"), nil
}

func (b *serviceBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.conn.Close()
		<-b.stream.Done()
		if b.closeFn != nil {
			if err := b.closeFn(); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}

// The service calls back into this process to run hooks.
func (b *serviceBackend) handleRequest(ctx context.Context, request map[string]interface{}) (map[string]interface{}, error) {
	command := getString(request, "command")

	switch command {
	case "on-resolve":
		build, err := b.lookupBuild(getInt(request, "key"))
		if err != nil {
			return nil, err
		}
		result, ok, err := build.pipeline.InvokeResolver(ctx, getInt(request, "index"), decodeResolveArgs(request, &build.data))
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]interface{}{"ok": false}, nil
		}
		return encodeResolveResult(result, &build.data), nil

	case "on-load":
		build, err := b.lookupBuild(getInt(request, "key"))
		if err != nil {
			return nil, err
		}
		result, ok, err := build.pipeline.InvokeLoader(ctx, getInt(request, "index"), decodeLoadArgs(request, &build.data))
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]interface{}{"ok": false}, nil
		}
		return encodeLoadResult(result, &build.data), nil

	default:
		return nil, fmt.Errorf("Invalid command: %s", command)
	}
}

// remoteContext is a build context that lives in the service.
type remoteContext struct {
	backend *serviceBackend
	key     int

	mutex    sync.Mutex
	disposed bool
}

func (ctx *remoteContext) Rebuild() BuildResult {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	if ctx.disposed {
		return BuildResult{Errors: []Message{{Text: "Cannot rebuild after the context has been disposed"}}}
	}

	response, err := ctx.backend.call(map[string]interface{}{"command": "rebuild", "key": ctx.key})
	if err != nil {
		return BuildResult{Errors: messagesForCallError(err)}
	}
	return decodeBuildResult(response)
}

func (ctx *remoteContext) Cancel() {
	if _, err := ctx.backend.callNow(map[string]interface{}{"command": "cancel", "key": ctx.key}); err != nil {
		ctx.backend.log.Debug("cancel failed", zap.Error(err))
	}
}

func (ctx *remoteContext) Dispose() {
	// The service cancels hooks of an in-flight rebuild and waits for it, so
	// this is sent before taking the lock that Rebuild holds
	if _, err := ctx.backend.callNow(map[string]interface{}{"command": "dispose", "key": ctx.key}); err != nil {
		ctx.backend.log.Debug("dispose failed", zap.Error(err))
	}

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()
	if !ctx.disposed {
		ctx.disposed = true
		ctx.backend.forgetBuild(ctx.key)
	}
}
