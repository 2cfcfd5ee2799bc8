package config_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderNames(t *testing.T) {
	for i := range config.LoaderToString {
		loader := config.Loader(i)
		parsed, err := config.ParseLoader(loader.String())
		require.NoError(t, err)
		assert.Equal(t, loader, parsed)
	}

	loader, err := config.ParseLoader("")
	require.NoError(t, err)
	assert.Equal(t, config.LoaderNone, loader)

	_, err = config.ParseLoader("coffee")
	var configErr *config.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, `Invalid loader: "coffee"`, err.Error())
}

func TestImportKindNames(t *testing.T) {
	assert.Equal(t, config.ImportStmt, config.ParseImportKind("import-statement"))
	assert.Equal(t, "require-call", config.ImportRequire.String())
	assert.Equal(t, config.ImportNone, config.ParseImportKind("bogus"))
}

func TestCompileFilterForPlugin(t *testing.T) {
	filter, err := config.CompileFilterForPlugin("virtual", config.HookResolve, `^<entry>$`)
	require.NoError(t, err)
	assert.True(t, filter.MatchString("<entry>"))

	again, err := config.CompileFilterForPlugin("other", config.HookLoad, `^<entry>$`)
	require.NoError(t, err)
	assert.Same(t, filter, again)

	_, err = config.CompileFilterForPlugin("virtual", config.HookResolve, "")
	var configErr *config.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "virtual", configErr.PluginName)
	assert.Equal(t, "[virtual] onResolve is missing a filter", err.Error())

	_, err = config.CompileFilterForPlugin("virtual", config.HookLoad, `(`)
	require.True(t, errors.As(err, &configErr))
	assert.Contains(t, err.Error(), `[virtual] onLoad filter is not a valid Go regular expression: "("`)
	assert.Equal(t, 2, configErr.ExitCode())
}

func TestPluginAppliesToPath(t *testing.T) {
	filter, err := config.CompileFilterForPlugin("p", config.HookLoad, `\.txt$`)
	require.NoError(t, err)

	check := func(path logger.Path, namespace string, expected bool) {
		t.Helper()
		assert.Equal(t, expected, config.PluginAppliesToPath(path, filter, namespace))
	}

	check(logger.Path{Text: "a.txt", Namespace: "file"}, "", true)
	check(logger.Path{Text: "a.txt", Namespace: "file"}, "file", true)
	check(logger.Path{Text: "a.txt", Namespace: "virtual"}, "file", false)
	check(logger.Path{Text: "a.txt", Namespace: "virtual-ns"}, "virtual", false)
	check(logger.Path{Text: "a.js", Namespace: "file"}, "", false)
}

func TestPluginErrorText(t *testing.T) {
	cause := fmt.Errorf("no such module")
	err := error(&config.PluginError{PluginName: "virtual", Hook: config.HookLoad, Path: "<dep>", Err: cause})
	assert.Equal(t, "no such module", err.Error())
	assert.True(t, errors.Is(err, cause))

	var pluginErr *config.PluginError
	require.True(t, errors.As(fmt.Errorf("build: %w", err), &pluginErr))
	assert.Equal(t, "virtual", pluginErr.PluginName)
	assert.Equal(t, "onLoad", pluginErr.Hook.String())
}
