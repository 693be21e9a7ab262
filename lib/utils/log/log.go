/*
Copyright 2025 Impalah

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log provides helpers for building component-scoped slog loggers.
package log

import (
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// NewPackageLogger creates a logger for a package with the given key value
// pairs attached to every message. Packages declare one at the top of a file:
//
//	var log = logutils.NewPackageLogger(apuntador.ComponentKey, apuntador.ComponentCA)
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Initialize configures the process-wide default logger with the given
// severity and output format, and returns it. Format is one of "text" or
// "json"; severity one of "debug", "info", "warn", "error".
func Initialize(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, trace.BadParameter("unsupported log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q", format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
