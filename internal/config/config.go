package config

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ezburn/ezburn/internal/logger"
	lru "github.com/hashicorp/golang-lru/v2"
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

var LoaderToString = []string{
	"none",
	"base64",
	"binary",
	"copy",
	"css",
	"dataurl",
	"default",
	"empty",
	"file",
	"js",
	"json",
	"jsx",
	"text",
	"ts",
	"tsx",
}

func (loader Loader) String() string {
	if int(loader) < len(LoaderToString) {
		return LoaderToString[loader]
	}
	return fmt.Sprintf("Loader(%d)", uint8(loader))
}

// ParseLoader accepts the names printed by Loader.String. The empty string
// and "none" both parse to LoaderNone.
func ParseLoader(text string) (Loader, error) {
	if text == "" {
		return LoaderNone, nil
	}
	for i, name := range LoaderToString {
		if name == text {
			return Loader(i), nil
		}
	}
	return LoaderNone, &ConfigurationError{Text: fmt.Sprintf("Invalid loader: %q", text)}
}

// ImportKind says how a specifier was reached. It is forwarded to resolve
// handlers unchanged.
type ImportKind uint8

const (
	ImportNone ImportKind = iota
	ImportEntryPoint
	ImportStmt
	ImportRequire
	ImportDynamic
	ImportRequireResolve
	ImportAt
	ImportComposesFrom
	ImportURL
)

var importKindToString = []string{
	"",
	"entry-point",
	"import-statement",
	"require-call",
	"dynamic-import",
	"require-resolve",
	"import-rule",
	"composes-from",
	"url-token",
}

func (kind ImportKind) String() string {
	if int(kind) < len(importKindToString) {
		return importKindToString[kind]
	}
	return ""
}

func ParseImportKind(text string) ImportKind {
	for i, name := range importKindToString {
		if name == text {
			return ImportKind(i)
		}
	}
	return ImportNone
}

type HookKind uint8

const (
	HookResolve HookKind = iota
	HookLoad
)

func (kind HookKind) String() string {
	if kind == HookLoad {
		return "onLoad"
	}
	return "onResolve"
}

type OnResolve struct {
	Name      string
	Filter    *regexp.Regexp
	Namespace string
	Callback  func(context.Context, OnResolveArgs) (OnResolveResult, bool, error)
}

type OnResolveArgs struct {
	Path       string
	Importer   string
	Namespace  string
	ResolveDir string
	Kind       ImportKind
	PluginData interface{}
}

type OnResolveResult struct {
	PluginName string

	Path     logger.Path
	External bool

	PluginData interface{}
}

type OnLoad struct {
	Name      string
	Filter    *regexp.Regexp
	Namespace string
	Callback  func(context.Context, OnLoadArgs) (OnLoadResult, bool, error)
}

type OnLoadArgs struct {
	Path       logger.Path
	PluginData interface{}
}

type OnLoadResult struct {
	PluginName string

	Contents      string
	AbsResolveDir string
	Loader        Loader

	PluginData interface{}
}

// Filters are compiled once per distinct pattern. Rebuilds and repeated
// contexts register the same plugins over and over.
var filterCache, _ = lru.New[string, *regexp.Regexp](1024)

func CompileFilterForPlugin(pluginName string, kind HookKind, filter string) (*regexp.Regexp, error) {
	if filter == "" {
		return nil, &ConfigurationError{
			PluginName: pluginName,
			Text:       fmt.Sprintf("[%s] %s is missing a filter", pluginName, kind),
		}
	}

	if result, ok := filterCache.Get(filter); ok {
		return result, nil
	}

	result, err := regexp.Compile(filter)
	if err != nil {
		return nil, &ConfigurationError{
			PluginName: pluginName,
			Text:       fmt.Sprintf("[%s] %s filter is not a valid Go regular expression: %q", pluginName, kind, filter),
			Err:        err,
		}
	}

	filterCache.Add(filter, result)
	return result, nil
}

// An empty namespace restriction matches every namespace. Otherwise the
// namespace must be equal.
func PluginAppliesToPath(path logger.Path, filter *regexp.Regexp, namespace string) bool {
	return (namespace == "" || path.Namespace == namespace) && filter.MatchString(path.Text)
}
