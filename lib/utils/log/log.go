/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package log provides shared helpers for structured logging.
package log

import (
	"io"
	"log/slog"
	"os"

	"github.com/gravitational/trace"
)

const (
	// FormatText outputs human readable text logs.
	FormatText = "text"
	// FormatJSON outputs machine readable JSON logs.
	FormatJSON = "json"
)

// SupportedFormats lists the log output formats Initialize accepts.
var SupportedFormats = []string{FormatText, FormatJSON}

// Config configures the process wide logger.
type Config struct {
	// Output is the destination of log lines, defaults to stderr.
	Output io.Writer
	// Format is one of SupportedFormats, defaults to FormatText.
	Format string
	// Level is the minimum level emitted.
	Level slog.Level
}

// Initialize sets the process default slog logger and returns it. Loggers
// created by NewPackageLogger before or after this call all route through
// the configured handler.
func Initialize(cfg Config) (*slog.Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText, "":
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		return nil, trace.BadParameter("unsupported log format %q, supported formats are %v", cfg.Format, SupportedFormats)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// NewPackageLogger creates a new logger with the provided attributes,
// routed through the process default handler.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.With(args...)
}

// DiscardLogger is a logger that drops all output, handy in tests that do
// not assert on log lines.
var DiscardLogger = slog.New(slog.DiscardHandler)
