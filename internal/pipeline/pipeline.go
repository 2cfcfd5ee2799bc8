package pipeline

// The pipeline holds the resolve and load hooks registered by plugins. Each
// request scans the hooks of one kind in registration order and stops at the
// first handler that produces a result. A handler can also decline, in which
// case the scan continues, and when every applicable handler declines the
// engine falls back to its default behavior.
//
// Registration happens while plugins are being set up. After that the
// pipeline is frozen and requests scan it without taking a lock, so many
// specifiers can be resolved at the same time.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/helpers"
	"github.com/ezburn/ezburn/internal/logger"
	"go.uber.org/zap"
)

type Options struct {
	// Optional. Shared across pipelines.
	Metrics *Metrics

	// Optional. Defaults to the process-wide logger.
	Log *zap.Logger
}

type Pipeline struct {
	resolvers []config.OnResolve
	loaders   []config.OnLoad

	mutex  sync.Mutex
	frozen atomic.Bool

	metrics *Metrics
	log     *zap.Logger
}

// HookInfo describes one registration without its handler.
type HookInfo struct {
	Kind       config.HookKind
	Index      int
	PluginName string
	Filter     string
	Namespace  string
}

func New(options Options) *Pipeline {
	log := options.Log
	if log == nil {
		log = logger.Zap()
	}
	return &Pipeline{
		metrics: options.Metrics,
		log:     log.Named("pipeline"),
	}
}

func (p *Pipeline) RegisterResolver(
	pluginName string,
	filter string,
	namespace string,
	callback func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error),
) error {
	compiled, err := config.CompileFilterForPlugin(pluginName, config.HookResolve, filter)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.frozen.Load() {
		return errFrozen(pluginName, config.HookResolve)
	}
	p.resolvers = append(p.resolvers, config.OnResolve{
		Name:      pluginName,
		Filter:    compiled,
		Namespace: namespace,
		Callback:  callback,
	})
	return nil
}

func (p *Pipeline) RegisterLoader(
	pluginName string,
	filter string,
	namespace string,
	callback func(context.Context, config.OnLoadArgs) (config.OnLoadResult, bool, error),
) error {
	compiled, err := config.CompileFilterForPlugin(pluginName, config.HookLoad, filter)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.frozen.Load() {
		return errFrozen(pluginName, config.HookLoad)
	}
	p.loaders = append(p.loaders, config.OnLoad{
		Name:      pluginName,
		Filter:    compiled,
		Namespace: namespace,
		Callback:  callback,
	})
	return nil
}

func errFrozen(pluginName string, kind config.HookKind) error {
	return &config.ConfigurationError{
		PluginName: pluginName,
		Text:       fmt.Sprintf("[%s] Cannot register %s after the build has started", pluginName, kind),
	}
}

// Freeze ends registration. It is safe to call more than once, and requests
// freeze the pipeline implicitly.
func (p *Pipeline) Freeze() {
	if p.frozen.Load() {
		return
	}
	p.mutex.Lock()
	p.frozen.Store(true)
	p.mutex.Unlock()
}

func (p *Pipeline) Frozen() bool {
	return p.frozen.Load()
}

// IsEmpty is true when no hooks of either kind were registered. Backends use
// it to skip installing the bridge into the engine.
func (p *Pipeline) IsEmpty() bool {
	p.Freeze()
	return len(p.resolvers) == 0 && len(p.loaders) == 0
}

func (p *Pipeline) Hooks() []HookInfo {
	p.Freeze()
	hooks := make([]HookInfo, 0, len(p.resolvers)+len(p.loaders))
	for i, hook := range p.resolvers {
		hooks = append(hooks, HookInfo{
			Kind:       config.HookResolve,
			Index:      i,
			PluginName: hook.Name,
			Filter:     hook.Filter.String(),
			Namespace:  hook.Namespace,
		})
	}
	for i, hook := range p.loaders {
		hooks = append(hooks, HookInfo{
			Kind:       config.HookLoad,
			Index:      i,
			PluginName: hook.Name,
			Filter:     hook.Filter.String(),
			Namespace:  hook.Namespace,
		})
	}
	return hooks
}

// Resolve runs the first applicable resolve handler that produces a result.
// The boolean is false when every applicable handler declined.
func (p *Pipeline) Resolve(ctx context.Context, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
	p.Freeze()
	path := logger.Path{Text: args.Path, Namespace: args.Namespace}

	for i := range p.resolvers {
		hook := &p.resolvers[i]
		if !config.PluginAppliesToPath(path, hook.Filter, hook.Namespace) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return config.OnResolveResult{}, false, err
		}
		if result, ok, err := p.runResolver(ctx, hook, args); err != nil || ok {
			return result, ok, err
		}
	}

	return config.OnResolveResult{}, false, nil
}

// Load runs the first applicable load handler that produces contents. An
// empty namespace in the request means "file".
func (p *Pipeline) Load(ctx context.Context, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
	p.Freeze()
	if args.Path.Namespace == "" {
		args.Path.Namespace = "file"
	}

	for i := range p.loaders {
		hook := &p.loaders[i]
		if !config.PluginAppliesToPath(args.Path, hook.Filter, hook.Namespace) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return config.OnLoadResult{}, false, err
		}
		if result, ok, err := p.runLoader(ctx, hook, args); err != nil || ok {
			return result, ok, err
		}
	}

	return config.OnLoadResult{}, false, nil
}

// InvokeResolver runs exactly one registered resolve handler. This is used
// when the scan happens somewhere else and only the handler lives here.
func (p *Pipeline) InvokeResolver(ctx context.Context, index int, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
	p.Freeze()
	if index < 0 || index >= len(p.resolvers) {
		return config.OnResolveResult{}, false, errNoSuchHook(config.HookResolve, index)
	}
	if err := ctx.Err(); err != nil {
		return config.OnResolveResult{}, false, err
	}
	return p.runResolver(ctx, &p.resolvers[index], args)
}

func (p *Pipeline) InvokeLoader(ctx context.Context, index int, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
	p.Freeze()
	if index < 0 || index >= len(p.loaders) {
		return config.OnLoadResult{}, false, errNoSuchHook(config.HookLoad, index)
	}
	if err := ctx.Err(); err != nil {
		return config.OnLoadResult{}, false, err
	}
	if args.Path.Namespace == "" {
		args.Path.Namespace = "file"
	}
	return p.runLoader(ctx, &p.loaders[index], args)
}

func errNoSuchHook(kind config.HookKind, index int) error {
	return &config.ConfigurationError{Text: fmt.Sprintf("There is no %s hook with index %d", kind, index)}
}

func (p *Pipeline) runResolver(ctx context.Context, hook *config.OnResolve, args config.OnResolveArgs) (result config.OnResolveResult, ok bool, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result, ok = config.OnResolveResult{}, false
			err = panicError(hook.Name, config.HookResolve, args.Path, r)
		}
		outcome := OutcomeDeclined
		if err != nil {
			outcome = OutcomeError
		} else if ok {
			outcome = OutcomeResolved
		}
		p.trace("resolve", hook.Name, args.Path, outcome, start, err)
	}()

	result, ok, err = hook.Callback(ctx, args)
	if err != nil {
		return config.OnResolveResult{}, false, wrapHookError(hook.Name, config.HookResolve, args.Path, err)
	}
	if !ok {
		return config.OnResolveResult{}, false, nil
	}

	if result.PluginName == "" {
		result.PluginName = hook.Name
	}
	if result.External && result.Path.Text == "" {
		result.Path.Text = args.Path
	}
	if result.Path.Text == "" {
		return config.OnResolveResult{}, false, &config.PluginError{
			PluginName: hook.Name,
			Hook:       config.HookResolve,
			Path:       args.Path,
			Err:        errors.New("Plugin returned a resolve result without a path"),
		}
	}
	return result, true, nil
}

func (p *Pipeline) runLoader(ctx context.Context, hook *config.OnLoad, args config.OnLoadArgs) (result config.OnLoadResult, ok bool, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result, ok = config.OnLoadResult{}, false
			err = panicError(hook.Name, config.HookLoad, args.Path.Text, r)
		}
		outcome := OutcomeDeclined
		if err != nil {
			outcome = OutcomeError
		} else if ok {
			outcome = OutcomeLoaded
		}
		p.trace("load", hook.Name, args.Path.Text, outcome, start, err)
	}()

	result, ok, err = hook.Callback(ctx, args)
	if err != nil {
		return config.OnLoadResult{}, false, wrapHookError(hook.Name, config.HookLoad, args.Path.Text, err)
	}
	if !ok {
		return config.OnLoadResult{}, false, nil
	}

	if result.PluginName == "" {
		result.PluginName = hook.Name
	}
	return result, true, nil
}

// Cancellation is passed through as-is. Everything else a handler returns is
// reported as a plugin failure.
func wrapHookError(pluginName string, kind config.HookKind, path string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pluginErr *config.PluginError
	if errors.As(err, &pluginErr) {
		return err
	}
	return &config.PluginError{PluginName: pluginName, Hook: kind, Path: path, Err: err}
}

func panicError(pluginName string, kind config.HookKind, path string, recovered interface{}) error {
	return &config.PluginError{
		PluginName: pluginName,
		Hook:       kind,
		Path:       path,
		Err:        fmt.Errorf("panic: %v", recovered),
		Stack:      helpers.PrettyPrintedStack(),
	}
}

func (p *Pipeline) trace(hook string, pluginName string, path string, outcome string, start time.Time, err error) {
	elapsed := time.Since(start)
	p.metrics.observe(hook, pluginName, outcome, elapsed.Seconds())
	if ce := p.log.Check(zap.DebugLevel, "plugin hook"); ce != nil {
		fields := []zap.Field{
			zap.String("hook", hook),
			zap.String("plugin", pluginName),
			zap.String("path", path),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		ce.Write(fields...)
	}
}
