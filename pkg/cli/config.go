package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ezburn/ezburn/internal/config"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/pkg/api"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings are the values that may come from a flag, an "EZBURN_*"
// environment variable, or an "ezburn.yaml" file, in that order of
// precedence.
type Settings struct {
	Bundle   bool   `mapstructure:"bundle"`
	Format   string `mapstructure:"format"`
	Platform string `mapstructure:"platform"`
	Outdir   string `mapstructure:"outdir"`
	Backend  string `mapstructure:"backend"`
	WASM     string `mapstructure:"wasm"`
	LogLevel string `mapstructure:"log-level"`
	LogLimit int    `mapstructure:"log-limit"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EZBURN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("bundle", false)
	v.SetDefault("format", "")
	v.SetDefault("platform", "")
	v.SetDefault("outdir", "")
	v.SetDefault("backend", api.BackendNative.String())
	v.SetDefault("wasm", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-limit", 6)
	return v
}

// loadSettings reads the config file, if any, and merges in the flags that
// were set on the command line. A missing default config file is fine but a
// missing explicit one is not.
func loadSettings(v *viper.Viper, configFile string, flags *pflag.FlagSet) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ezburn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, &config.ConfigurationError{Text: "Failed to read config file", Err: err}
		}
	}

	for _, key := range []string{"bundle", "format", "platform", "outdir", "backend", "wasm", "log-level", "log-limit"} {
		if flag := flags.Lookup(key); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return Settings{}, err
			}
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, &config.ConfigurationError{Text: "Invalid config", Err: err}
	}
	return settings, nil
}

// initializeOptions turns the backend settings into options for
// api.Initialize. The WebAssembly module is read from disk here.
func (s Settings) initializeOptions() (api.InitializeOptions, error) {
	kind, err := api.ParseBackendKind(s.Backend)
	if err != nil {
		return api.InitializeOptions{}, err
	}

	options := api.InitializeOptions{Backend: kind}
	if kind != api.BackendNative {
		if s.WASM == "" {
			return api.InitializeOptions{}, &config.ConfigurationError{
				Text: fmt.Sprintf("The %q backend needs the path of the WebAssembly module in \"--wasm\"", s.Backend),
			}
		}
		module, err := os.ReadFile(s.WASM)
		if err != nil {
			return api.InitializeOptions{}, fmt.Errorf("Failed to read the WebAssembly module: %w", err)
		}
		options.WASMModule = module
	}
	return options, nil
}

func parseFormat(text string) (api.Format, error) {
	switch text {
	case "":
		return api.FormatDefault, nil
	case "iife":
		return api.FormatIIFE, nil
	case "cjs":
		return api.FormatCommonJS, nil
	case "esm":
		return api.FormatESModule, nil
	default:
		return api.FormatDefault, &config.ConfigurationError{Text: fmt.Sprintf("Invalid format: %q (valid: iife, cjs, esm)", text)}
	}
}

func parsePlatform(text string) (api.Platform, error) {
	switch text {
	case "":
		return api.PlatformDefault, nil
	case "browser":
		return api.PlatformBrowser, nil
	case "node":
		return api.PlatformNode, nil
	case "neutral":
		return api.PlatformNeutral, nil
	default:
		return api.PlatformDefault, &config.ConfigurationError{Text: fmt.Sprintf("Invalid platform: %q (valid: browser, node, neutral)", text)}
	}
}

func parseSourceMap(text string) (api.SourceMap, error) {
	switch text {
	case "", "none":
		return api.SourceMapNone, nil
	case "inline":
		return api.SourceMapInline, nil
	case "linked":
		return api.SourceMapLinked, nil
	case "external":
		return api.SourceMapExternal, nil
	default:
		return api.SourceMapNone, &config.ConfigurationError{Text: fmt.Sprintf("Invalid source map: %q (valid: none, inline, linked, external)", text)}
	}
}

func parseLogLevel(text string) (api.LogLevel, error) {
	switch text {
	case "verbose":
		return api.LogLevelVerbose, nil
	case "debug":
		return api.LogLevelDebug, nil
	case "", "info":
		return api.LogLevelInfo, nil
	case "warning":
		return api.LogLevelWarning, nil
	case "error":
		return api.LogLevelError, nil
	case "silent":
		return api.LogLevelSilent, nil
	default:
		return api.LogLevelInfo, &config.ConfigurationError{Text: fmt.Sprintf("Invalid log level: %q (valid: verbose, debug, info, warning, error, silent)", text)}
	}
}

func loggerLevel(level api.LogLevel) logger.LogLevel {
	switch level {
	case api.LogLevelVerbose:
		return logger.LevelVerbose
	case api.LogLevelDebug:
		return logger.LevelDebug
	case api.LogLevelInfo:
		return logger.LevelInfo
	case api.LogLevelWarning:
		return logger.LevelWarning
	case api.LogLevelError:
		return logger.LevelError
	default:
		return logger.LevelSilent
	}
}

func parseLoader(text string) (api.Loader, error) {
	loader, err := config.ParseLoader(text)
	if err != nil {
		return api.LoaderNone, err
	}
	return api.Loader(loader), nil
}

// parseLoaders accepts "--loader .ext=name" pairs.
func parseLoaders(pairs []string) (map[string]api.Loader, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	loaders := make(map[string]api.Loader, len(pairs))
	for _, pair := range pairs {
		ext, name, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &config.ConfigurationError{Text: fmt.Sprintf("Missing \"=\": %q", pair)}
		}
		loader, err := parseLoader(name)
		if err != nil {
			return nil, err
		}
		loaders[ext] = loader
	}
	return loaders, nil
}

// parseDefines accepts "--define K=V" pairs.
func parseDefines(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	defines := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, &config.ConfigurationError{Text: fmt.Sprintf("Missing \"=\": %q", pair)}
		}
		defines[key] = value
	}
	return defines, nil
}
