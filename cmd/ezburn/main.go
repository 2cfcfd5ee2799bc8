package main

import (
	"errors"
	"os"
	"strings"

	"github.com/ezburn/ezburn/internal/exitcode"
	"github.com/ezburn/ezburn/internal/logger"
	"github.com/ezburn/ezburn/pkg/api"
	"github.com/ezburn/ezburn/pkg/cli"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	osArgs := os.Args[1:]
	traceFile := ""
	cpuprofileFile := ""
	isRunningService := false

	// Do an initial scan over the argument list. These flags are handled
	// here so they work no matter what the rest of the command line says.
	argsEnd := 0
	for _, arg := range osArgs {
		switch {
		case strings.HasPrefix(arg, "--trace="):
			traceFile = arg[len("--trace="):]

		case strings.HasPrefix(arg, "--cpuprofile="):
			cpuprofileFile = arg[len("--cpuprofile="):]

		// This flag turns the process into a long-running service that uses
		// message passing with the host process over stdin/stdout
		case arg == "--service":
			isRunningService = true

		default:
			osArgs[argsEnd] = arg
			argsEnd++
		}
	}
	osArgs = osArgs[:argsEnd]

	// Variables in ".env" never override ones that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.PrintErrorToStderr(osArgs, "Failed to load .env: "+err.Error())
	}

	if isRunningService {
		runService()
		return
	}

	// Capture the defer statements below so the profiles are flushed before exiting
	err := func() error {
		if traceFile != "" {
			done := createTraceFile(osArgs, traceFile)
			if done == nil {
				return exitcode.Set(errors.New("Failed to create trace file"), exitcode.Failure)
			}
			defer done()
		}

		if cpuprofileFile != "" {
			done := createCpuprofileFile(osArgs, cpuprofileFile)
			if done == nil {
				return exitcode.Set(errors.New("Failed to create cpuprofile file"), exitcode.Failure)
			}
			defer done()
		}

		return cli.Run(osArgs)
	}()

	// Build errors were already printed by the engine
	if err != nil && !errors.Is(err, cli.ErrBuildFailed) {
		logger.PrintErrorToStderr(osArgs, err.Error())
	}
	_ = logger.Zap().Sync()
	exitcode.Exit(err)
}

// Stdout carries the protocol, so the service only logs to stderr.
func runService() {
	if log, err := logger.NewZap(false); err == nil {
		logger.SetZap(log)
	}

	if err := api.RunService(os.Stdin, os.Stdout); err != nil {
		logger.Zap().Error("service stopped", zap.Error(err))
		os.Exit(exitcode.Failure)
	}
}
