//go:build !wasip1

package main

import (
	"fmt"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/ezburn/ezburn/internal/logger"
)

func createTraceFile(osArgs []string, traceFile string) func() {
	f, err := os.Create(traceFile)
	if err != nil {
		logger.PrintErrorToStderr(osArgs, fmt.Sprintf(
			"Failed to create trace file: %s", err.Error()))
		return nil
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		logger.PrintErrorToStderr(osArgs, fmt.Sprintf(
			"Failed to start trace: %s", err.Error()))
		return nil
	}
	return func() {
		trace.Stop()
		f.Close()
	}
}

func createCpuprofileFile(osArgs []string, cpuprofileFile string) func() {
	f, err := os.Create(cpuprofileFile)
	if err != nil {
		logger.PrintErrorToStderr(osArgs, fmt.Sprintf(
			"Failed to create cpuprofile file: %s", err.Error()))
		return nil
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		logger.PrintErrorToStderr(osArgs, fmt.Sprintf(
			"Failed to start cpuprofile: %s", err.Error()))
		return nil
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}
