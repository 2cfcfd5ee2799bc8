package logger

import (
	"sync"

	"go.uber.org/zap"
)

// Build diagnostics go through "Log". This logger is for the process itself:
// backend lifecycle, service traffic, and hook dispatch tracing.

var (
	zapLogger *zap.Logger
	zapMutex  sync.RWMutex
)

// Zap returns the process-wide operational logger. It is a no-op logger
// until SetZap is called.
func Zap() *zap.Logger {
	zapMutex.RLock()
	l := zapLogger
	zapMutex.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// SetZap installs l as the process-wide operational logger. Passing nil
// restores the no-op logger.
func SetZap(l *zap.Logger) {
	zapMutex.Lock()
	defer zapMutex.Unlock()
	zapLogger = l
}

// NewZap builds the logger used by the command line. Verbose mode uses the
// human-readable development encoder at debug level.
func NewZap(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	config.Encoding = "console"
	return config.Build()
}
