package api

import (
	"context"
	"fmt"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/helpers"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/pipeline"
)

// loadPlugins runs every plugin's setup function and collects the hooks they
// register. The returned pipeline is frozen. Any problem is reported as a
// configuration error before anything is built.
func loadPlugins(initialOptions *BuildOptions, options pipeline.Options) (*pipeline.Pipeline, error) {
	p := pipeline.New(options)

	for i, item := range initialOptions.Plugins {
		if item.Name == "" {
			return nil, &config.ConfigurationError{Text: fmt.Sprintf("Plugin at index %d is missing a name", i)}
		}
		if item.Setup == nil {
			return nil, &config.ConfigurationError{
				PluginName: item.Name,
				Text:       fmt.Sprintf("[%s] Plugin is missing a setup function", item.Name),
			}
		}

		if err := setupPlugin(p, item, initialOptions); err != nil {
			return nil, err
		}
	}

	p.Freeze()
	return p, nil
}

func setupPlugin(p *pipeline.Pipeline, item Plugin, initialOptions *BuildOptions) (err error) {
	name := item.Name

	onResolve := func(options OnResolveOptions, callback func(OnResolveArgs) (OnResolveResult, error)) {
		if err != nil {
			return
		}
		if callback == nil {
			err = &config.ConfigurationError{PluginName: name, Text: fmt.Sprintf("[%s] onResolve is missing a callback", name)}
			return
		}
		err = p.RegisterResolver(name, options.Filter, options.Namespace, wrapResolveCallback(callback))
	}

	onLoad := func(options OnLoadOptions, callback func(OnLoadArgs) (OnLoadResult, error)) {
		if err != nil {
			return
		}
		if callback == nil {
			err = &config.ConfigurationError{PluginName: name, Text: fmt.Sprintf("[%s] onLoad is missing a callback", name)}
			return
		}
		err = p.RegisterLoader(name, options.Filter, options.Namespace, wrapLoadCallback(callback))
	}

	defer func() {
		if r := recover(); r != nil {
			err = &config.PluginError{
				PluginName: name,
				Err:        fmt.Errorf("panic: %v", r),
				Stack:      helpers.PrettyPrintedStack(),
			}
		}
	}()

	item.Setup(PluginBuild{
		InitialOptions: initialOptions,
		OnResolve:      onResolve,
		OnLoad:         onLoad,
	})
	return
}

func wrapResolveCallback(callback func(OnResolveArgs) (OnResolveResult, error)) func(context.Context, config.OnResolveArgs) (config.OnResolveResult, bool, error) {
	return func(_ context.Context, args config.OnResolveArgs) (config.OnResolveResult, bool, error) {
		result, err := callback(OnResolveArgs{
			Path:       args.Path,
			Importer:   args.Importer,
			Namespace:  args.Namespace,
			ResolveDir: args.ResolveDir,
			Kind:       ResolveKind(args.Kind),
			PluginData: args.PluginData,
		})
		if err != nil {
			return config.OnResolveResult{}, false, err
		}
		if result.Path == "" && !result.External {
			return config.OnResolveResult{}, false, nil
		}
		return config.OnResolveResult{
			PluginName: result.PluginName,
			Path:       logger.Path{Text: result.Path, Namespace: result.Namespace},
			External:   result.External,
			PluginData: result.PluginData,
		}, true, nil
	}
}

func wrapLoadCallback(callback func(OnLoadArgs) (OnLoadResult, error)) func(context.Context, config.OnLoadArgs) (config.OnLoadResult, bool, error) {
	return func(_ context.Context, args config.OnLoadArgs) (config.OnLoadResult, bool, error) {
		result, err := callback(OnLoadArgs{
			Path:       args.Path.Text,
			Namespace:  args.Path.Namespace,
			PluginData: args.PluginData,
		})
		if err != nil {
			return config.OnLoadResult{}, false, err
		}
		if result.Contents == nil {
			return config.OnLoadResult{}, false, nil
		}
		return config.OnLoadResult{
			PluginName:    result.PluginName,
			Contents:      *result.Contents,
			AbsResolveDir: result.ResolveDir,
			Loader:        config.Loader(result.Loader),
			PluginData:    result.PluginData,
		}, true, nil
	}
}
