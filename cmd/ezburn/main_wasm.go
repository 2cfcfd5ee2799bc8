//go:build wasip1

package main

import (
	"github.com/ezburn/ezburn/internal/logger"
)

// Profiling is left out of the WebAssembly module, which normally only runs
// as a service.

func createTraceFile(osArgs []string, traceFile string) func() {
	logger.PrintErrorToStderr(osArgs, "The \"--trace\" flag is not supported when using WebAssembly")
	return nil
}

func createCpuprofileFile(osArgs []string, cpuprofileFile string) func() {
	logger.PrintErrorToStderr(osArgs, "The \"--cpuprofile\" flag is not supported when using WebAssembly")
	return nil
}
