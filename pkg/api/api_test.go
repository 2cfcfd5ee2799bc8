package api_test

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/ezburn/ezburn/internal/test"
	"github.com/ezburn/ezburn/pkg/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every test below runs once per backend. The service backends talk to an
// in-process service over a pipe, which is the same protocol the
// WebAssembly module speaks over its stdin and stdout.
func forEachBackend(t *testing.T, fn func(t *testing.T, backend api.Backend)) {
	t.Run("native", func(t *testing.T) {
		backend, err := api.NewBackend(context.Background(), api.InitializeOptions{Backend: api.BackendNative})
		require.NoError(t, err)
		defer backend.Close()
		fn(t, backend)
	})

	for _, kind := range []api.BackendKind{api.BackendWASM, api.BackendWASMWorker} {
		kind := kind
		t.Run(kind.String()+"-service", func(t *testing.T) {
			fn(t, newPipeBackend(t, api.InitializeOptions{Backend: kind}))
		})
	}
}

func newPipeBackend(t *testing.T, options api.InitializeOptions) api.Backend {
	t.Helper()
	left, right := net.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- api.RunService(right, right)
		right.Close()
	}()

	backend, err := api.NewServiceBackend(context.Background(), left, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, backend.Close())
		<-served
	})
	return backend
}

type virtualData struct {
	Importer string
}

// virtualPlugin serves two modules that don't exist on disk. The entry
// imports the dependency and stores a result on the global object.
func virtualPlugin(loads *int32) api.Plugin {
	return api.Plugin{
		Name: "virtual",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `^<(entry|dep)>$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				return api.OnResolveResult{
					Path:       args.Path,
					Namespace:  "virtual",
					PluginData: &virtualData{Importer: args.Importer},
				}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: "virtual"}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				if loads != nil {
					atomic.AddInt32(loads, 1)
				}
				data, ok := args.PluginData.(*virtualData)
				if !ok {
					return api.OnLoadResult{}, errors.New("missing plugin data")
				}

				var contents string
				switch args.Path {
				case "<entry>":
					contents = `import dep from "<dep>"; globalThis.result = dep.value * 2`
				case "<dep>":
					if data.Importer != "<entry>" {
						return api.OnLoadResult{}, errors.New("unexpected importer " + data.Importer)
					}
					contents = `export default { value: 21 }`
				}
				return api.OnLoadResult{Contents: &contents, Loader: api.LoaderJS}, nil
			})
		},
	}
}

func bundleOptions(plugins ...api.Plugin) api.BuildOptions {
	return api.BuildOptions{
		LogLevel:    api.LogLevelSilent,
		EntryPoints: []string{"<entry>"},
		Bundle:      true,
		Format:      api.FormatIIFE,
		Plugins:     plugins,
	}
}

func runBundle(t *testing.T, code []byte) int64 {
	t.Helper()
	vm := goja.New()
	_, err := vm.RunString(string(code))
	require.NoError(t, err)
	return vm.Get("result").ToInteger()
}

func TestVirtualModuleBundle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		result := backend.Build(bundleOptions(virtualPlugin(nil)))
		require.Empty(t, result.Errors)
		require.Len(t, result.OutputFiles, 1)
		test.AssertEqual(t, runBundle(t, result.OutputFiles[0].Contents), int64(42))
	})
}

func TestRebuildIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		var loads int32
		ctx, ctxErr := backend.Context(bundleOptions(virtualPlugin(&loads)))
		require.Nil(t, ctxErr)
		defer ctx.Dispose()

		first := ctx.Rebuild()
		require.Empty(t, first.Errors)
		second := ctx.Rebuild()
		require.Empty(t, second.Errors)

		require.Len(t, second.OutputFiles, 1)
		test.AssertEqualWithDiff(t, string(second.OutputFiles[0].Contents), string(first.OutputFiles[0].Contents))
		assert.GreaterOrEqual(t, atomic.LoadInt32(&loads), int32(2))
	})
}

func TestRebuildAfterDispose(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		ctx, ctxErr := backend.Context(bundleOptions(virtualPlugin(nil)))
		require.Nil(t, ctxErr)
		ctx.Dispose()
		ctx.Dispose()

		result := ctx.Rebuild()
		require.Len(t, result.Errors, 1)
		test.AssertEqual(t, result.Errors[0].Text, "Cannot rebuild after the context has been disposed")
	})
}

func TestDisposeDuringRebuild(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		started := make(chan struct{})
		release := make(chan struct{})
		var once int32
		blocking := api.Plugin{
			Name: "blocking",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `^<dep>$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if atomic.CompareAndSwapInt32(&once, 0, 1) {
						close(started)
					}
					<-release
					return api.OnResolveResult{}, nil
				})
			},
		}

		ctx, ctxErr := backend.Context(bundleOptions(blocking, virtualPlugin(nil)))
		require.Nil(t, ctxErr)

		rebuilt := make(chan api.BuildResult, 1)
		go func() { rebuilt <- ctx.Rebuild() }()
		<-started

		disposed := make(chan struct{})
		go func() {
			ctx.Dispose()
			close(disposed)
		}()
		close(release)

		select {
		case <-rebuilt:
		case <-time.After(10 * time.Second):
			t.Fatal("rebuild did not return after dispose")
		}
		select {
		case <-disposed:
		case <-time.After(10 * time.Second):
			t.Fatal("dispose did not return")
		}

		result := ctx.Rebuild()
		require.Len(t, result.Errors, 1)
		test.AssertEqual(t, result.Errors[0].Text, "Cannot rebuild after the context has been disposed")

		// The backend is still usable
		transformed := backend.Transform("let x: number = 1", api.TransformOptions{Loader: api.LoaderTS})
		require.Empty(t, transformed.Errors)
		test.AssertEqual(t, string(transformed.Code), "let x = 1;\n")
	})
}

func TestFirstMatchingResolverWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		var calls []string
		declining := api.Plugin{
			Name: "declining",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `^<dep>$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					calls = append(calls, "declining")
					return api.OnResolveResult{}, nil
				})
			},
		}
		shadowed := api.Plugin{
			Name: "shadowed",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `^<dep>$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					calls = append(calls, "shadowed")
					return api.OnResolveResult{Path: "/never", Namespace: "never"}, nil
				})
			},
		}

		// "virtual" comes between the two, so it answers for <dep>
		result := backend.Build(bundleOptions(declining, virtualPlugin(nil), shadowed))
		require.Empty(t, result.Errors)
		test.AssertEqual(t, strings.Join(calls, ","), "declining")
	})
}

func TestPluginErrorIsReported(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		failing := api.Plugin{
			Name: "failing",
			Setup: func(build api.PluginBuild) {
				build.OnLoad(api.OnLoadOptions{Filter: `^<dep>$`}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					return api.OnLoadResult{}, errors.New("cannot load the dependency")
				})
			},
		}

		result := backend.Build(bundleOptions(failing, virtualPlugin(nil)))
		require.Len(t, result.Errors, 1)
		msg := result.Errors[0]
		test.AssertEqual(t, msg.PluginName, "failing")
		assert.Contains(t, msg.Text, "cannot load the dependency")

		pluginErr, ok := msg.Detail.(*api.PluginError)
		require.True(t, ok, "detail is %T", msg.Detail)
		test.AssertEqual(t, pluginErr.PluginName, "failing")
		test.AssertEqual(t, pluginErr.Path, "<dep>")
	})
}

func TestPluginPanicIsReported(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		panicking := api.Plugin{
			Name: "panicking",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `^<dep>$`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					panic("oops")
				})
			},
		}

		result := backend.Build(bundleOptions(panicking, virtualPlugin(nil)))
		require.Len(t, result.Errors, 1)
		test.AssertEqual(t, result.Errors[0].PluginName, "panicking")
		assert.Contains(t, result.Errors[0].Text, "panic: oops")
		require.Len(t, result.Errors[0].Notes, 1)
		assert.Contains(t, result.Errors[0].Notes[0].Text, "api_test.go")

		var pluginErr *api.PluginError
		require.True(t, errors.As(result.Errors[0].Detail.(error), &pluginErr))
		test.AssertEqual(t, pluginErr.Stack, result.Errors[0].Notes[0].Text)
	})
}

func TestInvalidFilterIsAConfigurationError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		bad := api.Plugin{
			Name: "bad",
			Setup: func(build api.PluginBuild) {
				build.OnResolve(api.OnResolveOptions{Filter: `(`}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{}, nil
				})
			},
		}

		ctx, ctxErr := backend.Context(bundleOptions(bad))
		require.Nil(t, ctx)
		require.NotNil(t, ctxErr)
		require.Len(t, ctxErr.Errors, 1)
		test.AssertEqual(t, ctxErr.Errors[0].PluginName, "bad")
		test.AssertEqual(t, ctxErr.Errors[0].Text, `[bad] onResolve filter is not a valid Go regular expression: "("`)

		var configErr *api.ConfigurationError
		require.True(t, errors.As(ctxErr.Errors[0].Detail.(error), &configErr))
	})
}

func TestInvalidOptionsAreRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		options := bundleOptions()
		options.Loader = map[string]api.Loader{"txt": api.LoaderText}

		_, ctxErr := backend.Context(options)
		require.NotNil(t, ctxErr)
		require.NotEmpty(t, ctxErr.Errors)
		assert.Contains(t, ctxErr.Errors[0].Text, `"txt"`)
	})
}

func TestTransformTypeScript(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		result := backend.Transform("let x: number = 1+2", api.TransformOptions{Loader: api.LoaderTS})
		require.Empty(t, result.Errors)
		test.AssertEqual(t, string(result.Code), "let x = 1 + 2;\n")
	})
}

func TestTransformSyntaxError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		result := backend.Transform("let = ;", api.TransformOptions{LogLevel: api.LogLevelSilent, Sourcefile: "bad.js"})
		require.NotEmpty(t, result.Errors)
		require.NotNil(t, result.Errors[0].Location)
		test.AssertEqual(t, result.Errors[0].Location.File, "bad.js")
		test.AssertEqual(t, result.Errors[0].Location.Line, 1)
	})
}

func TestAnalyzeMetafile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		text, err := backend.AnalyzeMetafile(
			`{"outputs":{"out.js":{"bytes":4096,"inputs":{"in.js":{"bytesInOutput":1024}}}}}`,
			api.AnalyzeMetafileOptions{})
		require.NoError(t, err)
		test.AssertEqualWithDiff(t, text, "\n  out.js    4.0kb  100.0%\n   └ in.js  1.0kb   25.0%\n")

		_, err = backend.AnalyzeMetafile(`{}`, api.AnalyzeMetafileOptions{})
		var configErr *api.ConfigurationError
		require.True(t, errors.As(err, &configErr))
		test.AssertEqual(t, configErr.Error(), `The metafile is missing "outputs"`)
	})
}

func TestAnalyzeBuildMetafile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend api.Backend) {
		options := bundleOptions(virtualPlugin(nil))
		options.Metafile = true
		options.Outfile = "out.js"

		result := backend.Build(options)
		require.Empty(t, result.Errors)
		require.NotEmpty(t, result.Metafile)

		text, err := backend.AnalyzeMetafile(result.Metafile, api.AnalyzeMetafileOptions{Sort: true})
		require.NoError(t, err)
		assert.Contains(t, text, "out.js")
		assert.Contains(t, text, "virtual:<dep>")
	})
}

func TestHookMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	backend, err := api.NewBackend(context.Background(), api.InitializeOptions{MetricsRegisterer: reg})
	require.NoError(t, err)
	defer backend.Close()

	result := backend.Build(bundleOptions(virtualPlugin(nil)))
	require.Empty(t, result.Errors)

	count, err := testutil.GatherAndCount(reg, "ezburn_plugin_hook_calls_total")
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	// A second backend on the same registry shares the collectors
	other, err := api.NewBackend(context.Background(), api.InitializeOptions{MetricsRegisterer: reg})
	require.NoError(t, err)
	defer other.Close()
}

func TestInitializeOnce(t *testing.T) {
	require.NoError(t, api.Initialize(api.InitializeOptions{}))
	defer api.Stop()

	err := api.Initialize(api.InitializeOptions{})
	var configErr *api.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	test.AssertEqual(t, configErr.Error(), `Cannot call "Initialize" more than once`)

	result := api.Transform("1+1", api.TransformOptions{})
	require.Empty(t, result.Errors)
	test.AssertEqual(t, string(result.Code), "1 + 1;\n")
}

func TestParseBackendKind(t *testing.T) {
	for _, kind := range []api.BackendKind{api.BackendNative, api.BackendWASM, api.BackendWASMWorker} {
		parsed, err := api.ParseBackendKind(kind.String())
		require.NoError(t, err)
		test.AssertEqual(t, parsed, kind)
	}

	_, err := api.ParseBackendKind("jvm")
	require.Error(t, err)
}

func TestWASMModuleIsRequired(t *testing.T) {
	_, err := api.NewBackend(context.Background(), api.InitializeOptions{Backend: api.BackendWASM})
	var configErr *api.ConfigurationError
	require.True(t, errors.As(err, &configErr))
}

// Runs the real WebAssembly module when one is provided, for example one
// built with "GOOS=wasip1 GOARCH=wasm go build -o ezburn.wasm ./cmd/ezburn".
func TestWASMBackend(t *testing.T) {
	path := os.Getenv("EZBURN_WASM")
	if path == "" {
		t.Skip("EZBURN_WASM is not set")
	}
	module, err := os.ReadFile(path)
	require.NoError(t, err)

	backend, err := api.NewBackend(context.Background(), api.InitializeOptions{Backend: api.BackendWASMWorker, WASMModule: module})
	require.NoError(t, err)
	defer backend.Close()

	result := backend.Transform("let x: number = 1+2", api.TransformOptions{Loader: api.LoaderTS})
	require.Empty(t, result.Errors)
	test.AssertEqual(t, string(result.Code), "let x = 1 + 2;\n")
}
