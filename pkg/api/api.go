// This API exposes ezburn's operations: building, transforming, and
// analyzing the size of a build. Plugins written in Go can take over module
// resolution and loading with resolve and load hooks, for example to serve
// virtual modules that don't exist on the file system.
//
// # Build API
//
// Example usage:
//
//	package main
//
//	import (
//	    "os"
//
//	    "github.com/ezburn/ezburn/pkg/api"
//	)
//
//	func main() {
//	    result := api.Build(api.BuildOptions{
//	        EntryPoints: []string{"input.js"},
//	        Outfile:     "output.js",
//	        Bundle:      true,
//	        Write:       true,
//	        LogLevel:    api.LogLevelInfo,
//	    })
//
//	    if len(result.Errors) > 0 {
//	        os.Exit(1)
//	    }
//	}
//
// # Backends
//
// The package-level functions run on a native backend that is created on
// first use. Call Initialize first to pick a WebAssembly backend instead, or
// use NewBackend to hold several backends at once. Every backend exposes the
// same operations with the same results.
package api

import (
	"github.com/ezburn/ezburn/internal/config"
)

type Loader uint8

const (
	LoaderNone Loader = iota
	LoaderBase64
	LoaderBinary
	LoaderCopy
	LoaderCSS
	LoaderDataURL
	LoaderDefault
	LoaderEmpty
	LoaderFile
	LoaderJS
	LoaderJSON
	LoaderJSX
	LoaderText
	LoaderTS
	LoaderTSX
)

type Platform uint8

const (
	PlatformDefault Platform = iota
	PlatformBrowser
	PlatformNode
	PlatformNeutral
)

type Format uint8

const (
	FormatDefault Format = iota
	FormatIIFE
	FormatCommonJS
	FormatESModule
)

type SourceMap uint8

const (
	SourceMapNone SourceMap = iota
	SourceMapInline
	SourceMapLinked
	SourceMapExternal
)

type LogLevel uint8

const (
	LogLevelSilent LogLevel = iota
	LogLevelVerbose
	LogLevelDebug
	LogLevelInfo
	LogLevelWarning
	LogLevelError
)

type Location struct {
	File      string
	Namespace string
	Line      int // 1-based
	Column    int // 0-based, in bytes
	Length    int // in bytes
	LineText  string
}

type Message struct {
	ID         string
	PluginName string
	Text       string
	Location   *Location
	Notes      []Note

	// Optional data that is passed through unmodified. Messages caused by a
	// failing plugin hook carry the *PluginError here.
	Detail interface{}
}

type Note struct {
	Text     string
	Location *Location
}

// ConfigurationError reports invalid options, plugin registrations, or
// metafile data. Nothing is built when one occurs.
type ConfigurationError = config.ConfigurationError

// PluginError reports a plugin hook that returned an error or panicked.
type PluginError = config.PluginError

////////////////////////////////////////////////////////////////////////////////
// Build API

type BuildOptions struct {
	LogLevel LogLevel

	Sourcemap SourceMap

	MinifyWhitespace  bool
	MinifyIdentifiers bool
	MinifySyntax      bool

	Define map[string]string

	GlobalName    string
	Bundle        bool
	Outfile       string
	Metafile      bool
	Outdir        string
	AbsWorkingDir string
	Platform      Platform
	Format        Format
	External      []string
	Loader        map[string]Loader

	EntryPoints []string
	Stdin       *StdinOptions
	Write       bool
	Plugins     []Plugin
}

type StdinOptions struct {
	Contents   string
	ResolveDir string
	Sourcefile string
	Loader     Loader
}

type BuildResult struct {
	Errors   []Message
	Warnings []Message

	OutputFiles []OutputFile
	Metafile    string
}

type OutputFile struct {
	Path     string
	Contents []byte
	Hash     string
}

func Build(options BuildOptions) BuildResult {
	return defaultBackend().Build(options)
}

////////////////////////////////////////////////////////////////////////////////
// Context API

type BuildContext interface {
	// Runs the build again with the same options and plugins. A context can
	// be rebuilt any number of times until it is disposed.
	Rebuild() BuildResult

	// Stops the current rebuild early, if there is one.
	Cancel()

	// Waits for an in-flight rebuild to finish and then releases everything
	// the context holds. Calling it again does nothing.
	Dispose()
}

type ContextError struct {
	Errors []Message // Option validation errors are returned here
}

func (err *ContextError) Error() string {
	if len(err.Errors) > 0 {
		return err.Errors[0].Text
	}
	return "Context creation failed"
}

func Context(options BuildOptions) (BuildContext, *ContextError) {
	return defaultBackend().Context(options)
}

////////////////////////////////////////////////////////////////////////////////
// Transform API

type TransformOptions struct {
	LogLevel LogLevel

	Sourcemap SourceMap

	Platform   Platform
	Format     Format
	GlobalName string

	MinifyWhitespace  bool
	MinifyIdentifiers bool
	MinifySyntax      bool

	Define map[string]string

	Sourcefile string
	Loader     Loader
}

type TransformResult struct {
	Errors   []Message
	Warnings []Message

	Code []byte
	Map  []byte
}

func Transform(input string, options TransformOptions) TransformResult {
	return defaultBackend().Transform(input, options)
}

////////////////////////////////////////////////////////////////////////////////
// AnalyzeMetafile API

type AnalyzeMetafileOptions struct {
	Color bool

	// Lists the largest outputs and inputs first
	Sort bool
}

// AnalyzeMetafile renders a human-readable size report for the metafile
// produced by a build with "Metafile" enabled.
func AnalyzeMetafile(metafile string, options AnalyzeMetafileOptions) (string, error) {
	return defaultBackend().AnalyzeMetafile(metafile, options)
}

////////////////////////////////////////////////////////////////////////////////
// Plugin API

type Plugin struct {
	Name  string
	Setup func(PluginBuild)
}

type PluginBuild struct {
	InitialOptions *BuildOptions

	// Registers a resolve hook. Hooks run in registration order and the
	// first one that returns a path wins. Returning a result with no path
	// that isn't external declines and lets the next hook try.
	OnResolve func(options OnResolveOptions, callback func(OnResolveArgs) (OnResolveResult, error))

	// Registers a load hook. Returning a result with nil contents declines.
	OnLoad func(options OnLoadOptions, callback func(OnLoadArgs) (OnLoadResult, error))
}

// Filter is a Go regular expression matched against the path. An empty
// namespace matches every namespace. Otherwise the namespace must be equal.
type OnResolveOptions struct {
	Filter    string
	Namespace string
}

type OnResolveArgs struct {
	Path       string
	Importer   string
	Namespace  string
	ResolveDir string
	Kind       ResolveKind
	PluginData interface{}
}

type OnResolveResult struct {
	PluginName string

	Path       string
	External   bool
	Namespace  string
	PluginData interface{}
}

type OnLoadOptions struct {
	Filter    string
	Namespace string
}

type OnLoadArgs struct {
	Path       string
	Namespace  string
	PluginData interface{}
}

type OnLoadResult struct {
	PluginName string

	Contents   *string
	ResolveDir string
	Loader     Loader
	PluginData interface{}
}

type ResolveKind uint8

const (
	ResolveNone ResolveKind = iota
	ResolveEntryPoint
	ResolveJSImportStatement
	ResolveJSRequireCall
	ResolveJSDynamicImport
	ResolveJSRequireResolve
	ResolveCSSImportRule
	ResolveCSSComposesFrom
	ResolveCSSURLToken
)
