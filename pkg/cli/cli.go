// Package cli implements the "ezburn" command line on top of pkg/api.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ezburn/ezburn/internal/exitcode"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/pkg/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set with -ldflags at release time.
var Version = "dev"

// ErrBuildFailed is returned once the errors have been printed.
var ErrBuildFailed = exitcode.Set(errors.New("Build failed"), exitcode.Failure)

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

type command struct {
	streams streams
	viper   *viper.Viper

	configFile string
	verbose    bool
	settings   Settings
	logLevel   api.LogLevel
}

// Run executes the command line in osArgs (without the program name) and
// returns the error that decides the exit code.
func Run(osArgs []string) error {
	return run(osArgs, streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
}

func run(osArgs []string, s streams) error {
	root := newRootCommand(s)
	root.SetArgs(osArgs)
	return root.Execute()
}

func newRootCommand(s streams) *cobra.Command {
	c := &command{streams: s, viper: newViper()}

	var (
		outfile     string
		sourcemap   string
		minify      bool
		minifyWS    bool
		minifyIdent bool
		minifySyn   bool
		external    []string
		defines     []string
		loaders     []string
		globalName  string
		metafile    string
		analyze     bool
	)

	root := &cobra.Command{
		Use:   "ezburn [entry points] [flags]",
		Short: "A bundler that hands module resolution and loading to Go plugins",
		Long: `ezburn bundles and transforms JavaScript and TypeScript.

Examples:
  # Produces dist/app.js and dist/app.js.map
  ezburn app.ts --bundle --outdir=dist --minify --sourcemap=linked

  # Transform TypeScript from stdin
  ezburn transform --loader=ts < input.ts > output.js

  # Print a size report for a metafile
  ezburn analyze meta.json`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}

			options := api.BuildOptions{
				EntryPoints:       args,
				Bundle:            c.settings.Bundle,
				Outfile:           outfile,
				Outdir:            c.settings.Outdir,
				External:          external,
				GlobalName:        globalName,
				MinifyWhitespace:  minify || minifyWS,
				MinifyIdentifiers: minify || minifyIdent,
				MinifySyntax:      minify || minifySyn,
				Metafile:          metafile != "" || analyze,
			}
			if err := c.applyCommonOptions(&options.LogLevel, &options.Format, &options.Platform); err != nil {
				return err
			}
			var err error
			if options.Sourcemap, err = parseSourceMap(sourcemap); err != nil {
				return err
			}
			if options.Define, err = parseDefines(defines); err != nil {
				return err
			}
			if options.Loader, err = parseLoaders(loaders); err != nil {
				return err
			}
			return c.build(options, metafile, analyze)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default is ./ezburn.yaml)")
	flags.BoolVar(&c.verbose, "verbose", false, "print operational logs at debug level")
	flags.String("backend", "", "engine backend: native, wasm, wasm-worker")
	flags.String("wasm", "", "path of the WebAssembly build of ezburn")
	flags.String("log-level", "", "verbose, debug, info, warning, error, or silent")
	flags.Int("log-limit", 6, "maximum number of errors to print (0 is unlimited)")
	flags.String("format", "", "output format: iife, cjs, esm")
	flags.String("platform", "", "platform target: browser, node, neutral")

	local := root.Flags()
	local.Bool("bundle", false, "bundle all dependencies into the output files")
	local.StringVar(&outfile, "outfile", "", "the output file (for one entry point)")
	local.String("outdir", "", "the output directory (for several entry points)")
	local.StringVar(&sourcemap, "sourcemap", "", "source map: none, inline, linked, external")
	local.BoolVar(&minify, "minify", false, "sets all --minify-* flags")
	local.BoolVar(&minifyWS, "minify-whitespace", false, "remove whitespace")
	local.BoolVar(&minifyIdent, "minify-identifiers", false, "shorten identifiers")
	local.BoolVar(&minifySyn, "minify-syntax", false, "use equivalent but shorter syntax")
	local.StringArrayVar(&external, "external", nil, "exclude module M from the bundle")
	local.StringArrayVar(&defines, "define", nil, "substitute K with V while parsing (K=V)")
	local.StringArrayVar(&loaders, "loader", nil, "use loader L for file extension X (.X=L)")
	local.StringVar(&globalName, "global-name", "", "the name of the global for the iife format")
	local.StringVar(&metafile, "metafile", "", "write metadata about the build to a JSON file")
	local.BoolVar(&analyze, "analyze", false, "print a size report after the build")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return exitcode.Set(err, exitcode.Usage)
	})
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	root.AddCommand(newTransformCommand(c))
	root.AddCommand(newAnalyzeCommand(c))
	root.AddCommand(newVersionCommand())
	return root
}

// setup reads the settings and installs the loggers. The package-level
// backend is only started by the commands that need it.
func (c *command) setup(cmd *cobra.Command) error {
	flags := cmd.Flags()
	settings, err := loadSettings(c.viper, c.configFile, flags)
	if err != nil {
		return err
	}
	c.settings = settings

	log, err := logger.NewZap(c.verbose)
	if err != nil {
		return err
	}
	logger.SetZap(log)
	log.Debug("settings", zap.Any("settings", settings), zap.String("config", c.viper.ConfigFileUsed()))
	return nil
}

// The engine always runs silent. Its messages are rendered by report so
// that they end up on the command's own stderr.
func (c *command) applyCommonOptions(logLevel *api.LogLevel, format *api.Format, platform *api.Platform) error {
	var err error
	if c.logLevel, err = parseLogLevel(c.settings.LogLevel); err != nil {
		return err
	}
	*logLevel = api.LogLevelSilent
	if *format, err = parseFormat(c.settings.Format); err != nil {
		return err
	}
	if *platform, err = parsePlatform(c.settings.Platform); err != nil {
		return err
	}
	return nil
}

func (c *command) report(errs []api.Message, warnings []api.Message) {
	info := logger.TerminalInfo{}
	if file, ok := c.streams.err.(*os.File); ok {
		info = logger.GetTerminalInfo(file)
	}
	log := logger.NewWriterLog(c.streams.err, info, logger.OutputOptions{
		IncludeSource: true,
		MessageLimit:  c.settings.LogLimit,
		LogLevel:      loggerLevel(c.logLevel),
	})
	for _, msg := range errs {
		log.AddMsg(loggerMsg(logger.Error, msg))
	}
	for _, msg := range warnings {
		log.AddMsg(loggerMsg(logger.Warning, msg))
	}
	log.Done()
}

func loggerMsg(kind logger.MsgKind, msg api.Message) logger.Msg {
	result := logger.Msg{Kind: kind, PluginName: msg.PluginName, Text: msg.Text}
	if loc := msg.Location; loc != nil {
		result.Location = &logger.MsgLocation{
			File:      loc.File,
			Namespace: loc.Namespace,
			Line:      loc.Line,
			Column:    loc.Column,
			Length:    loc.Length,
			LineText:  loc.LineText,
		}
	}
	for _, note := range msg.Notes {
		result.Notes = append(result.Notes, note.Text)
	}
	return result
}

func (c *command) startBackend() (func(), error) {
	options, err := c.settings.initializeOptions()
	if err != nil {
		return nil, err
	}
	if err := api.Initialize(options); err != nil {
		return nil, err
	}
	return func() {
		if err := api.Stop(); err != nil {
			logger.Zap().Warn("failed to stop the backend", zap.Error(err))
		}
	}, nil
}

func (c *command) build(options api.BuildOptions, metafile string, analyze bool) error {
	stop, err := c.startBackend()
	if err != nil {
		return err
	}
	defer stop()

	// The engine writes output files itself unless the output goes to stdout
	toStdout := options.Outfile == "" && options.Outdir == ""
	options.Write = !toStdout

	result := api.Build(options)
	c.report(result.Errors, result.Warnings)
	if len(result.Errors) > 0 {
		return ErrBuildFailed
	}

	if toStdout {
		if len(result.OutputFiles) != 1 {
			return fmt.Errorf("Internal error: did not expect to generate %d files when writing to stdout", len(result.OutputFiles))
		}
		if _, err := c.streams.out.Write(result.OutputFiles[0].Contents); err != nil {
			return fmt.Errorf("Failed to write to stdout: %w", err)
		}
	}

	if metafile != "" {
		if err := os.MkdirAll(filepath.Dir(metafile), 0755); err != nil {
			return fmt.Errorf("Failed to create output directory: %w", err)
		}
		if err := os.WriteFile(metafile, []byte(result.Metafile), 0644); err != nil {
			return fmt.Errorf("Failed to write to metafile: %w", err)
		}
	}

	if analyze {
		text, err := api.AnalyzeMetafile(result.Metafile, api.AnalyzeMetafileOptions{
			Color: logger.GetTerminalInfo(os.Stderr).UseColorEscapes,
			Sort:  true,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(c.streams.err, text)
	}
	return nil
}

func newTransformCommand(c *command) *cobra.Command {
	var (
		loader     string
		sourcemap  string
		sourcefile string
		minify     bool
		defines    []string
		globalName string
	)

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Transform a single file read from stdin and write it to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			options := api.TransformOptions{
				Sourcefile:        sourcefile,
				GlobalName:        globalName,
				MinifyWhitespace:  minify,
				MinifyIdentifiers: minify,
				MinifySyntax:      minify,
			}
			if err := c.applyCommonOptions(&options.LogLevel, &options.Format, &options.Platform); err != nil {
				return err
			}
			var err error
			if options.Loader, err = parseLoader(loader); err != nil {
				return err
			}
			if options.Sourcemap, err = parseSourceMap(sourcemap); err != nil {
				return err
			}
			if options.Sourcemap != api.SourceMapNone && options.Sourcemap != api.SourceMapInline {
				return exitcode.Set(errors.New("Must use \"inline\" source map when transforming stdin"), exitcode.Usage)
			}
			if options.Define, err = parseDefines(defines); err != nil {
				return err
			}

			input, err := io.ReadAll(c.streams.in)
			if err != nil {
				return fmt.Errorf("Could not read from stdin: %w", err)
			}

			stop, err := c.startBackend()
			if err != nil {
				return err
			}
			defer stop()

			result := api.Transform(string(input), options)
			c.report(result.Errors, result.Warnings)
			if len(result.Errors) > 0 {
				return ErrBuildFailed
			}
			if _, err := c.streams.out.Write(result.Code); err != nil {
				return fmt.Errorf("Failed to write to stdout: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&loader, "loader", "js", "the loader for the input")
	flags.StringVar(&sourcemap, "sourcemap", "", "source map: none or inline")
	flags.StringVar(&sourcefile, "sourcefile", "", "the file name used in messages and source maps")
	flags.BoolVar(&minify, "minify", false, "minify the output")
	flags.StringArrayVar(&defines, "define", nil, "substitute K with V while parsing (K=V)")
	flags.StringVar(&globalName, "global-name", "", "the name of the global for the iife format")
	return cmd
}

func newAnalyzeCommand(c *command) *cobra.Command {
	var (
		color bool
		sort  bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <metafile.json>",
		Short: "Print a size report for a metafile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("Could not read %q: %w", args[0], err)
			}

			stop, err := c.startBackend()
			if err != nil {
				return err
			}
			defer stop()

			if !cmd.Flags().Changed("color") {
				color = logger.GetTerminalInfo(os.Stdout).UseColorEscapes
			}
			text, err := api.AnalyzeMetafile(string(contents), api.AnalyzeMetafileOptions{Color: color, Sort: sort})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(c.streams.out, text)
			return err
		},
	}

	cmd.Flags().BoolVar(&color, "color", false, "use terminal colors (default is to detect)")
	cmd.Flags().BoolVar(&sort, "sort", false, "list the largest outputs and inputs first")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}
