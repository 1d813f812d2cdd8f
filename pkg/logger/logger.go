// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logging capability for agentauth.
//
// The package keeps a singleton *zap.SugaredLogger so call sites can log
// without threading a logger through every constructor. New code that wants
// injection can use [Get] to obtain the underlying logger.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(zap.NewNop().Sugar())
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying *zap.SugaredLogger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level using the singleton logger.
func Debugf(msg string, args ...any) { get().Debugf(msg, args...) }

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Info logs a message at info level using the singleton logger.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level using the singleton logger.
func Infof(msg string, args ...any) { get().Infof(msg, args...) }

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warning level using the singleton logger.
func Warnf(msg string, args ...any) { get().Warnf(msg, args...) }

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) { get().Warnw(msg, keysAndValues...) }

// Error logs a message at error level using the singleton logger.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level using the singleton logger.
func Errorf(msg string, args ...any) { get().Errorf(msg, args...) }

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }

// Fatal logs a message at error level using the singleton logger and exits.
func Fatal(msg string) {
	get().Error(msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at error level and exits the program.
func Fatalf(msg string, args ...any) {
	get().Errorf(msg, args...)
	os.Exit(1)
}

// Fatalw logs a message at error level with key-value pairs and exits.
func Fatalw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
	os.Exit(1)
}

// Initialize creates and configures the appropriate logger.
// If the UNSTRUCTURED_LOGS env var is set to true, it will output plain text.
// Otherwise it will create a standard structured JSON logger.
func Initialize() {
	level := zapcore.InfoLevel
	if viper.GetBool("debug") {
		level = zapcore.DebugLevel
	}

	var cfg zap.Config
	if unstructuredLogs() {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		// Fall back to the no-op logger rather than crash on startup.
		return
	}
	singleton.Store(l.Sugar())
}

func unstructuredLogs() bool {
	unstructured, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// The env var wasn't set or is "": default to unstructured output,
		// which is friendlier for local runs.
		return true
	}
	return unstructured
}
