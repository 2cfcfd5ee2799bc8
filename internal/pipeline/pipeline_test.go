package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolveTo(path string, namespace string) func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
	return func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return config.OnResolveResult{Path: logger.Path{Text: path, Namespace: namespace}}, true, nil
	}
}

func decline(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
	return config.OnResolveResult{}, false, nil
}

func TestFirstMatchWins(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	var calls []string
	record := func(name string, then func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error)) func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return func(ctx context.Context, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
			calls = append(calls, name)
			return then(ctx, args)
		}
	}

	require.NoError(t, p.RegisterResolver("a", `^x$`, "", record("a", decline)))
	require.NoError(t, p.RegisterResolver("b", `^y$`, "", record("b", resolveTo("/never", "file"))))
	require.NoError(t, p.RegisterResolver("c", `^x$`, "", record("c", resolveTo("/first", "virtual"))))
	require.NoError(t, p.RegisterResolver("d", `^x$`, "", record("d", resolveTo("/second", "virtual"))))

	result, ok, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: "x", Namespace: "file"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, logger.Path{Text: "/first", Namespace: "virtual"}, result.Path)
	assert.Equal(t, "c", result.PluginName)
	assert.Equal(t, []string{"a", "c"}, calls)
}

func TestNoMatchIsNotAnError(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterResolver("a", `.*`, "", decline))

	_, ok, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: "react"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = p.Load(context.Background(), config.OnLoadArgs{Path: logger.Path{Text: "/a.js"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespaceRestrictionIsExact(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterLoader("v", `.*`, "virtual", func(_ context.Context, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		return config.OnLoadResult{Contents: "export default 1"}, true, nil
	}))

	check := func(namespace string, expected bool) {
		t.Helper()
		_, ok, err := p.Load(context.Background(), config.OnLoadArgs{Path: logger.Path{Text: "<dep>", Namespace: namespace}})
		require.NoError(t, err)
		assert.Equal(t, expected, ok, "namespace %q", namespace)
	}

	check("virtual", true)
	check("virtual-ns", false)
	check("virt", false)
	check("file", false)
	check("", false)
}

func TestEmptyLoadNamespaceMeansFile(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	var seen string
	require.NoError(t, p.RegisterLoader("f", `\.txt$`, "file", func(_ context.Context, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		seen = args.Path.Namespace
		return config.OnLoadResult{Contents: "hello", Loader: config.LoaderText}, true, nil
	}))

	result, ok, err := p.Load(context.Background(), config.OnLoadArgs{Path: logger.Path{Text: "/a.txt"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "file", seen)
	assert.Equal(t, "hello", result.Contents)
	assert.Equal(t, config.LoaderText, result.Loader)
	assert.Equal(t, "f", result.PluginName)
}

func TestExternalWithoutPathUsesSpecifier(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterResolver("ext", `^node:`, "", func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return config.OnResolveResult{External: true}, true, nil
	}))

	result, ok, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: "node:fs"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, result.External)
	assert.Equal(t, "node:fs", result.Path.Text)
}

func TestHandlerErrors(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	cause := errors.New("cannot find module")
	require.NoError(t, p.RegisterResolver("broken", `^a$`, "", func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return config.OnResolveResult{}, false, cause
	}))
	require.NoError(t, p.RegisterResolver("later", `^a$`, "", resolveTo("/a", "file")))
	require.NoError(t, p.RegisterResolver("empty", `^b$`, "", func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return config.OnResolveResult{}, true, nil
	}))

	_, _, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: "a"})
	var pluginErr *config.PluginError
	require.True(t, errors.As(err, &pluginErr))
	assert.Equal(t, "broken", pluginErr.PluginName)
	assert.Equal(t, config.HookResolve, pluginErr.Hook)
	assert.Equal(t, "a", pluginErr.Path)
	assert.Equal(t, "cannot find module", err.Error())
	assert.True(t, errors.Is(err, cause))

	_, _, err = p.Resolve(context.Background(), config.OnResolveArgs{Path: "b"})
	require.True(t, errors.As(err, &pluginErr))
	assert.Equal(t, "empty", pluginErr.PluginName)
	assert.Equal(t, "Plugin returned a resolve result without a path", err.Error())
}

func TestHandlerPanics(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterLoader("explode", `.*`, "", func(context.Context, config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		panic("boom")
	}))

	_, ok, err := p.Load(context.Background(), config.OnLoadArgs{Path: logger.Path{Text: "/x.js", Namespace: "file"}})
	assert.False(t, ok)
	var pluginErr *config.PluginError
	require.True(t, errors.As(err, &pluginErr))
	assert.Equal(t, "explode", pluginErr.PluginName)
	assert.Equal(t, config.HookLoad, pluginErr.Hook)
	assert.Equal(t, "panic: boom", err.Error())
	assert.Contains(t, pluginErr.Stack, "TestHandlerPanics")
}

func TestRegistrationErrors(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	var configErr *config.ConfigurationError

	err := p.RegisterResolver("bad", `[`, "", decline)
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "bad", configErr.PluginName)

	require.NoError(t, p.RegisterResolver("ok", `.*`, "", decline))
	p.Freeze()
	assert.True(t, p.Frozen())

	err = p.RegisterResolver("late", `.*`, "", decline)
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "[late] Cannot register onResolve after the build has started", err.Error())

	err = p.RegisterLoader("late", `.*`, "", nil)
	require.True(t, errors.As(err, &configErr))
}

func TestCancellationStopsTheScan(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	called := false
	require.NoError(t, p.RegisterResolver("a", `.*`, "", func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		called = true
		return config.OnResolveResult{}, false, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := p.Resolve(ctx, config.OnResolveArgs{Path: "x"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestInvokeByIndex(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterResolver("a", `.*`, "", resolveTo("/a", "file")))
	require.NoError(t, p.RegisterResolver("b", `.*`, "ns", resolveTo("/b", "ns")))
	require.NoError(t, p.RegisterLoader("c", `.*`, "", func(context.Context, config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		return config.OnLoadResult{Contents: "c"}, true, nil
	}))

	hooks := p.Hooks()
	require.Len(t, hooks, 3)
	assert.Equal(t, pipeline.HookInfo{Kind: config.HookResolve, Index: 1, PluginName: "b", Filter: ".*", Namespace: "ns"}, hooks[1])
	assert.Equal(t, config.HookLoad, hooks[2].Kind)
	assert.Equal(t, 0, hooks[2].Index)

	result, ok, err := p.InvokeResolver(context.Background(), 1, config.OnResolveArgs{Path: "x"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/b", result.Path.Text)

	loaded, ok, err := p.InvokeLoader(context.Background(), 0, config.OnLoadArgs{Path: logger.Path{Text: "x"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", loaded.Contents)

	_, _, err = p.InvokeLoader(context.Background(), 5, config.OnLoadArgs{})
	var configErr *config.ConfigurationError
	assert.True(t, errors.As(err, &configErr))
}

func TestConcurrentResolve(t *testing.T) {
	p := pipeline.New(pipeline.Options{})
	require.NoError(t, p.RegisterResolver("echo", `.*`, "", func(_ context.Context, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		return config.OnResolveResult{Path: logger.Path{Text: "/" + args.Path, Namespace: "file"}}, true, nil
	}))
	p.Freeze()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			specifier := fmt.Sprintf("mod%d", i)
			result, ok, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: specifier})
			if err != nil || !ok || result.Path.Text != "/"+specifier {
				errs <- fmt.Errorf("unexpected result for %s: %v %v %v", specifier, result, ok, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)
	p := pipeline.New(pipeline.Options{Metrics: metrics})

	require.NoError(t, p.RegisterResolver("skip", `.*`, "", decline))
	require.NoError(t, p.RegisterResolver("hit", `.*`, "", resolveTo("/x", "file")))
	require.NoError(t, p.RegisterLoader("fail", `.*`, "", func(context.Context, config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		return config.OnLoadResult{}, false, errors.New("nope")
	}))

	for i := 0; i < 3; i++ {
		_, _, err := p.Resolve(context.Background(), config.OnResolveArgs{Path: "x"})
		require.NoError(t, err)
	}
	_, _, err := p.Load(context.Background(), config.OnLoadArgs{Path: logger.Path{Text: "/x"}})
	require.Error(t, err)

	calls := metrics.HookCalls()
	assert.Equal(t, 3.0, testutil.ToFloat64(calls.WithLabelValues("resolve", "skip", pipeline.OutcomeDeclined)))
	assert.Equal(t, 3.0, testutil.ToFloat64(calls.WithLabelValues("resolve", "hit", pipeline.OutcomeResolved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(calls.WithLabelValues("load", "fail", pipeline.OutcomeError)))

	count, err := testutil.GatherAndCount(reg, "ezburn_plugin_hook_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetricsShareARegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := pipeline.NewMetrics(reg)
	second := pipeline.NewMetrics(reg)
	assert.Same(t, first.HookCalls(), second.HookCalls())
}
