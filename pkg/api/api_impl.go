package api

// The native backend runs the build engine in this process. Plugin hooks are
// not handed to the engine one by one. Instead a single bridge plugin matches
// everything and forwards each request to the hook pipeline, which decides
// which of the user's hooks runs. Hook failures are then attached to the
// engine's error messages so callers can inspect them.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/internal/metafile"
	"github.com/ezburn/ezburn/internal/pipeline"
	esbuild "github.com/evanw/esbuild/pkg/api"
)

const bridgePluginName = "ezburn"

func validatePlatform(log logger.Log, value Platform) esbuild.Platform {
	switch value {
	case PlatformDefault:
		return esbuild.PlatformDefault
	case PlatformBrowser:
		return esbuild.PlatformBrowser
	case PlatformNode:
		return esbuild.PlatformNode
	case PlatformNeutral:
		return esbuild.PlatformNeutral
	default:
		log.AddError(nil, fmt.Sprintf("Invalid platform: %d", value))
		return esbuild.PlatformDefault
	}
}

func validateFormat(log logger.Log, value Format) esbuild.Format {
	switch value {
	case FormatDefault:
		return esbuild.FormatDefault
	case FormatIIFE:
		return esbuild.FormatIIFE
	case FormatCommonJS:
		return esbuild.FormatCommonJS
	case FormatESModule:
		return esbuild.FormatESModule
	default:
		log.AddError(nil, fmt.Sprintf("Invalid format: %d", value))
		return esbuild.FormatDefault
	}
}

func validateSourceMap(log logger.Log, value SourceMap) esbuild.SourceMap {
	switch value {
	case SourceMapNone:
		return esbuild.SourceMapNone
	case SourceMapInline:
		return esbuild.SourceMapInline
	case SourceMapLinked:
		return esbuild.SourceMapLinked
	case SourceMapExternal:
		return esbuild.SourceMapExternal
	default:
		log.AddError(nil, fmt.Sprintf("Invalid source map: %d", value))
		return esbuild.SourceMapNone
	}
}

func validateLogLevel(value LogLevel) esbuild.LogLevel {
	switch value {
	case LogLevelVerbose:
		return esbuild.LogLevelVerbose
	case LogLevelDebug:
		return esbuild.LogLevelDebug
	case LogLevelInfo:
		return esbuild.LogLevelInfo
	case LogLevelWarning:
		return esbuild.LogLevelWarning
	case LogLevelError:
		return esbuild.LogLevelError
	default:
		return esbuild.LogLevelSilent
	}
}

func internalLogLevel(value LogLevel) logger.LogLevel {
	switch value {
	case LogLevelVerbose:
		return logger.LevelVerbose
	case LogLevelDebug:
		return logger.LevelDebug
	case LogLevelInfo:
		return logger.LevelInfo
	case LogLevelWarning:
		return logger.LevelWarning
	case LogLevelError:
		return logger.LevelError
	default:
		return logger.LevelSilent
	}
}

func validateLoader(log logger.Log, value Loader) esbuild.Loader {
	switch value {
	case LoaderNone:
		return esbuild.LoaderNone
	case LoaderBase64:
		return esbuild.LoaderBase64
	case LoaderBinary:
		return esbuild.LoaderBinary
	case LoaderCopy:
		return esbuild.LoaderCopy
	case LoaderCSS:
		return esbuild.LoaderCSS
	case LoaderDataURL:
		return esbuild.LoaderDataURL
	case LoaderDefault:
		return esbuild.LoaderDefault
	case LoaderEmpty:
		return esbuild.LoaderEmpty
	case LoaderFile:
		return esbuild.LoaderFile
	case LoaderJS:
		return esbuild.LoaderJS
	case LoaderJSON:
		return esbuild.LoaderJSON
	case LoaderJSX:
		return esbuild.LoaderJSX
	case LoaderText:
		return esbuild.LoaderText
	case LoaderTS:
		return esbuild.LoaderTS
	case LoaderTSX:
		return esbuild.LoaderTSX
	default:
		log.AddError(nil, fmt.Sprintf("Invalid loader: %d", value))
		return esbuild.LoaderNone
	}
}

func validateLoaders(log logger.Log, loaders map[string]Loader) map[string]esbuild.Loader {
	if loaders == nil {
		return nil
	}
	result := make(map[string]esbuild.Loader, len(loaders))
	for ext, loader := range loaders {
		if !strings.HasPrefix(ext, ".") {
			log.AddError(nil, fmt.Sprintf("Invalid file extension: %q", ext))
			continue
		}
		result[ext] = validateLoader(log, loader)
	}
	return result
}

// Validation errors are printed right away unless the build is silent, the
// same way the engine prints its own messages.
func newValidationLog(level LogLevel) logger.Log {
	if level == LogLevelSilent {
		return logger.NewDeferLog()
	}
	return logger.NewStderrLog(logger.OutputOptions{
		IncludeSource: true,
		LogLevel:      internalLogLevel(level),
	})
}

func convertMessagesToPublic(kind logger.MsgKind, msgs []logger.Msg) []Message {
	var filtered []Message
	for _, msg := range msgs {
		if msg.Kind != kind {
			continue
		}
		var location *Location
		if loc := msg.Location; loc != nil {
			location = &Location{
				File:      loc.File,
				Namespace: loc.Namespace,
				Line:      loc.Line,
				Column:    loc.Column,
				Length:    loc.Length,
				LineText:  loc.LineText,
			}
		}
		filtered = append(filtered, Message{
			PluginName: msg.PluginName,
			Text:       msg.Text,
			Location:   location,
			Detail:     msg.Detail,
		})
	}
	return filtered
}

func convertLocationFromEngine(loc *esbuild.Location) *Location {
	if loc == nil {
		return nil
	}
	return &Location{
		File:      loc.File,
		Namespace: loc.Namespace,
		Line:      loc.Line,
		Column:    loc.Column,
		Length:    loc.Length,
		LineText:  loc.LineText,
	}
}

func convertMessagesFromEngine(msgs []esbuild.Message) []Message {
	var result []Message
	for _, msg := range msgs {
		var notes []Note
		for _, note := range msg.Notes {
			notes = append(notes, Note{Text: note.Text, Location: convertLocationFromEngine(note.Location)})
		}
		result = append(result, Message{
			ID:         msg.ID,
			PluginName: msg.PluginName,
			Text:       msg.Text,
			Location:   convertLocationFromEngine(msg.Location),
			Notes:      notes,
			Detail:     msg.Detail,
		})
	}
	return result
}

// messageFromError reports a failure that happened before the engine ran.
func messageFromError(err error) Message {
	msg := Message{Text: err.Error(), Detail: err}
	var configErr *config.ConfigurationError
	var pluginErr *config.PluginError
	if errors.As(err, &configErr) {
		msg.Text = configErr.Text
		msg.PluginName = configErr.PluginName
	} else if errors.As(err, &pluginErr) {
		msg.PluginName = pluginErr.PluginName
		if pluginErr.Stack != "" {
			msg.Notes = []Note{{Text: pluginErr.Stack}}
		}
	}
	return msg
}

////////////////////////////////////////////////////////////////////////////////
// Bridge plugin

// hookErrors remembers the plugin errors of one build so they can be matched
// with the messages the engine produces for them.
type hookErrors struct {
	mutex  sync.Mutex
	byText map[string]*config.PluginError
}

func (h *hookErrors) reset() {
	h.mutex.Lock()
	h.byText = nil
	h.mutex.Unlock()
}

func (h *hookErrors) add(err error) {
	var pluginErr *config.PluginError
	if !errors.As(err, &pluginErr) {
		return
	}
	h.mutex.Lock()
	if h.byText == nil {
		h.byText = make(map[string]*config.PluginError)
	}
	h.byText[pluginErr.Error()] = pluginErr
	h.mutex.Unlock()
}

func (h *hookErrors) lookup(msg Message) *config.PluginError {
	var pluginErr *config.PluginError
	if err, ok := msg.Detail.(error); ok && errors.As(err, &pluginErr) {
		return pluginErr
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if found, ok := h.byText[msg.Text]; ok {
		return found
	}
	for text, found := range h.byText {
		if strings.HasSuffix(msg.Text, text) {
			return found
		}
	}
	return nil
}

// annotate replaces the bridge's name with the name of the plugin that
// actually failed and attaches the error as the message detail.
func (h *hookErrors) annotate(msgs []Message) {
	for i := range msgs {
		msg := &msgs[i]
		pluginErr := h.lookup(*msg)
		if pluginErr == nil {
			continue
		}
		if msg.PluginName == "" || msg.PluginName == bridgePluginName {
			msg.PluginName = pluginErr.PluginName
		}
		msg.Text = pluginErr.Error()
		msg.Detail = pluginErr
		if pluginErr.Stack != "" && !hasNote(msg.Notes, pluginErr.Stack) {
			msg.Notes = append(msg.Notes, Note{Text: pluginErr.Stack})
		}
	}
}

func hasNote(notes []Note, text string) bool {
	for _, note := range notes {
		if note.Text == text {
			return true
		}
	}
	return false
}

type bridge struct {
	pipeline *pipeline.Pipeline
	errors   hookErrors

	ctxMutex sync.Mutex
	ctx      context.Context
}

func (b *bridge) context() context.Context {
	b.ctxMutex.Lock()
	defer b.ctxMutex.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *bridge) setContext(ctx context.Context) {
	b.ctxMutex.Lock()
	b.ctx = ctx
	b.ctxMutex.Unlock()
}

func (b *bridge) plugin() esbuild.Plugin {
	return esbuild.Plugin{
		Name: bridgePluginName,
		Setup: func(build esbuild.PluginBuild) {
			build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"}, b.onResolve)
			build.OnLoad(esbuild.OnLoadOptions{Filter: ".*"}, b.onLoad)
		},
	}
}

func (b *bridge) onResolve(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
	result, ok, err := b.pipeline.Resolve(b.context(), config.OnResolveArgs{
		Path:       args.Path,
		Importer:   args.Importer,
		Namespace:  args.Namespace,
		ResolveDir: args.ResolveDir,
		Kind:       config.ImportKind(args.Kind),
		PluginData: args.PluginData,
	})
	if err != nil {
		b.errors.add(err)
		return esbuild.OnResolveResult{PluginName: failedPluginName(err)}, err
	}
	if !ok {
		return esbuild.OnResolveResult{}, nil
	}
	return esbuild.OnResolveResult{
		PluginName: result.PluginName,
		Path:       result.Path.Text,
		Namespace:  result.Path.Namespace,
		External:   result.External,
		PluginData: result.PluginData,
	}, nil
}

func (b *bridge) onLoad(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
	result, ok, err := b.pipeline.Load(b.context(), config.OnLoadArgs{
		Path:       logger.Path{Text: args.Path, Namespace: args.Namespace},
		PluginData: args.PluginData,
	})
	if err != nil {
		b.errors.add(err)
		return esbuild.OnLoadResult{PluginName: failedPluginName(err)}, err
	}
	if !ok {
		return esbuild.OnLoadResult{}, nil
	}
	contents := result.Contents
	return esbuild.OnLoadResult{
		PluginName: result.PluginName,
		Contents:   &contents,
		ResolveDir: result.AbsResolveDir,
		Loader:     validateLoader(logger.NewDeferLog(), Loader(result.Loader)),
		PluginData: result.PluginData,
	}, nil
}

func failedPluginName(err error) string {
	var pluginErr *config.PluginError
	if errors.As(err, &pluginErr) {
		return pluginErr.PluginName
	}
	return bridgePluginName
}

////////////////////////////////////////////////////////////////////////////////
// Build API

func validateBuildOptions(options BuildOptions) (esbuild.BuildOptions, []Message) {
	log := newValidationLog(options.LogLevel)

	engineOptions := esbuild.BuildOptions{
		LogLevel:          validateLogLevel(options.LogLevel),
		Sourcemap:         validateSourceMap(log, options.Sourcemap),
		MinifyWhitespace:  options.MinifyWhitespace,
		MinifyIdentifiers: options.MinifyIdentifiers,
		MinifySyntax:      options.MinifySyntax,
		Define:            options.Define,
		GlobalName:        options.GlobalName,
		Bundle:            options.Bundle,
		Outfile:           options.Outfile,
		Metafile:          options.Metafile,
		Outdir:            options.Outdir,
		AbsWorkingDir:     options.AbsWorkingDir,
		Platform:          validatePlatform(log, options.Platform),
		Format:            validateFormat(log, options.Format),
		External:          options.External,
		Loader:            validateLoaders(log, options.Loader),
		EntryPoints:       options.EntryPoints,
		Write:             options.Write,
	}

	if stdin := options.Stdin; stdin != nil {
		engineOptions.Stdin = &esbuild.StdinOptions{
			Contents:   stdin.Contents,
			ResolveDir: stdin.ResolveDir,
			Sourcefile: stdin.Sourcefile,
			Loader:     validateLoader(log, stdin.Loader),
		}
	}

	msgs := log.Done()
	return engineOptions, convertMessagesToPublic(logger.Error, msgs)
}

// nativeContext wraps one engine context. Rebuild and Dispose share a mutex
// so that the engine context is never released during a rebuild.
type nativeContext struct {
	engine esbuild.BuildContext
	bridge *bridge

	mutex    sync.Mutex
	disposed bool

	cancelMutex sync.Mutex
	cancel      context.CancelFunc
}

func newNativeContext(options BuildOptions, p *pipeline.Pipeline) (*nativeContext, []Message) {
	engineOptions, errors := validateBuildOptions(options)
	if len(errors) > 0 {
		return nil, errors
	}

	b := &bridge{pipeline: p}
	if !p.IsEmpty() {
		engineOptions.Plugins = []esbuild.Plugin{b.plugin()}
	}

	engine, ctxErr := esbuild.Context(engineOptions)
	if ctxErr != nil {
		return nil, convertMessagesFromEngine(ctxErr.Errors)
	}

	return &nativeContext{engine: engine, bridge: b}, nil
}

func (ctx *nativeContext) Rebuild() BuildResult {
	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()

	if ctx.disposed {
		return BuildResult{Errors: []Message{{Text: "Cannot rebuild after the context has been disposed"}}}
	}

	hookCtx, cancel := context.WithCancel(context.Background())
	ctx.cancelMutex.Lock()
	ctx.cancel = cancel
	ctx.cancelMutex.Unlock()
	defer func() {
		ctx.cancelMutex.Lock()
		ctx.cancel = nil
		ctx.cancelMutex.Unlock()
		cancel()
	}()

	ctx.bridge.errors.reset()
	ctx.bridge.setContext(hookCtx)
	result := ctx.engine.Rebuild()

	converted := BuildResult{
		Errors:   convertMessagesFromEngine(result.Errors),
		Warnings: convertMessagesFromEngine(result.Warnings),
		Metafile: result.Metafile,
	}
	ctx.bridge.errors.annotate(converted.Errors)
	for _, file := range result.OutputFiles {
		converted.OutputFiles = append(converted.OutputFiles, OutputFile{
			Path:     file.Path,
			Contents: file.Contents,
			Hash:     file.Hash,
		})
	}
	return converted
}

func (ctx *nativeContext) Cancel() {
	ctx.cancelMutex.Lock()
	if ctx.cancel != nil {
		ctx.cancel()
	}
	ctx.cancelMutex.Unlock()
	ctx.engine.Cancel()
}

func (ctx *nativeContext) Dispose() {
	// Hooks of an in-flight rebuild see cancellation right away. The lock
	// below then waits for the rebuild itself to return.
	ctx.cancelMutex.Lock()
	if ctx.cancel != nil {
		ctx.cancel()
	}
	ctx.cancelMutex.Unlock()

	ctx.mutex.Lock()
	defer ctx.mutex.Unlock()
	if ctx.disposed {
		return
	}
	ctx.disposed = true
	ctx.engine.Dispose()
}

////////////////////////////////////////////////////////////////////////////////
// Transform API

func transformImpl(input string, options TransformOptions) TransformResult {
	log := newValidationLog(options.LogLevel)

	engineOptions := esbuild.TransformOptions{
		LogLevel:          validateLogLevel(options.LogLevel),
		Sourcemap:         validateSourceMap(log, options.Sourcemap),
		Platform:          validatePlatform(log, options.Platform),
		Format:            validateFormat(log, options.Format),
		GlobalName:        options.GlobalName,
		MinifyWhitespace:  options.MinifyWhitespace,
		MinifyIdentifiers: options.MinifyIdentifiers,
		MinifySyntax:      options.MinifySyntax,
		Define:            options.Define,
		Sourcefile:        options.Sourcefile,
		Loader:            validateLoader(log, options.Loader),
	}

	if errors := convertMessagesToPublic(logger.Error, log.Done()); len(errors) > 0 {
		return TransformResult{Errors: errors}
	}

	result := esbuild.Transform(input, engineOptions)
	return TransformResult{
		Errors:   convertMessagesFromEngine(result.Errors),
		Warnings: convertMessagesFromEngine(result.Warnings),
		Code:     result.Code,
		Map:      result.Map,
	}
}

////////////////////////////////////////////////////////////////////////////////
// AnalyzeMetafile API

func analyzeMetafileImpl(text string, options AnalyzeMetafileOptions) (string, error) {
	return metafile.AnalyzeJSON(text, metafile.Options{
		Color: options.Color,
		Sort:  options.Sort,
	})
}
