// Copyright (c) 2025, Google LLC.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger configures structured logging for tpu-info. Diagnostics go
// to stderr as JSON so that table output on stdout stays machine-parseable.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// EnvVarLogLevel is the environment variable name for setting the log level.
const EnvVarLogLevel = "LOG_LEVEL"

// NewStructuredLogger creates a structured logger with the specified log
// level. The tool name and version are included in the logger's context.
// AddSource is enabled for debug level logging only.
func NewStructuredLogger(tool, version, level string) *slog.Logger {
	lev := ParseLogLevel(level)
	addSource := lev <= slog.LevelDebug

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     lev,
		AddSource: addSource,
	})).With("tool", tool, "version", version)
}

// SetDefaultStructuredLogger initializes the structured logger and sets it
// as the process default. The log level is derived from the LOG_LEVEL
// environment variable and defaults to info.
func SetDefaultStructuredLogger(tool, version string) {
	slog.SetDefault(NewStructuredLogger(tool, version, os.Getenv(EnvVarLogLevel)))
}

// ParseLogLevel converts a string representation of a log level into a
// slog.Level. Unrecognized strings default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	var lev slog.Level

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lev = slog.LevelDebug
	case "warn", "warning":
		lev = slog.LevelWarn
	case "error":
		lev = slog.LevelError
	default:
		lev = slog.LevelInfo
	}

	return lev
}
