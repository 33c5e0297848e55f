// Copyright (C) 2026 The Dagmaster Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package logger wraps log/slog with the small surface the application
// master's subsystems actually need: leveled calls with printf variants,
// a With method that adds key/value fields to every later line, and a
// fan-out writer so every line lands in both the operator's terminal and the
// AM's log file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the logging surface used by every AM subsystem. It is passed
// explicitly to constructors; there is no package-level global.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a Logger that annotates every subsequent line with the
	// given key/value fields, e.g. log.With("dag_id", id.String()).
	With(args ...any) Logger
}

type options struct {
	debug   bool
	format  string // "text" or "json"
	writer  io.Writer
	quiet   bool
	extra   []io.Writer
}

// Option configures a Logger at construction time.
type Option func(*options)

// WithDebug enables debug-level logging.
func WithDebug() Option { return func(o *options) { o.debug = true } }

// WithFormat selects "text" (default) or "json" output.
func WithFormat(format string) Option { return func(o *options) { o.format = format } }

// WithWriter sends output to w instead of os.Stderr.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// WithQuiet discards the primary writer, useful in tests that only want to
// assert against a buffer passed via WithAdditionalWriter.
func WithQuiet() Option { return func(o *options) { o.quiet = true } }

// WithAdditionalWriter fans the same log stream out to an extra sink (e.g. a
// per-DAG-run log file) alongside the primary writer.
func WithAdditionalWriter(w io.Writer) Option {
	return func(o *options) { o.extra = append(o.extra, w) }
}

type logger struct {
	slog *slog.Logger
}

// New constructs a Logger from the given options.
func New(opts ...Option) Logger {
	o := &options{format: "text", writer: os.Stderr}
	for _, fn := range opts {
		fn(o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}

	var sinks []io.Writer
	if o.quiet {
		sinks = append(sinks, io.Discard)
	} else {
		sinks = append(sinks, o.writer)
	}
	sinks = append(sinks, o.extra...)

	handlers := make([]slog.Handler, 0, len(sinks))
	for _, w := range sinks {
		handlers = append(handlers, newHandler(w, o.format, level))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		fanout := make([]slog.Handler, len(handlers))
		copy(fanout, handlers)
		h = slogmulti.Fanout(fanout...)
	}

	return &logger{slog: slog.New(h)}
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{Level: level, AddSource: false}
	if format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

// callerSource returns a "file:line" string for the frame that called into
// the public Logger method, skipping the logger package's own frames so the
// emitted source location points at the caller, not at logger.go.
func callerSource(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *logger) log(level slog.Level, msg string, args ...any) {
	args = append(args, "source", callerSource(3))
	l.slog.Log(context.Background(), level, msg, args...)
}

func (l *logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *logger) Debugf(format string, args ...any) { l.log(slog.LevelDebug, fmt.Sprintf(format, args...)) }
func (l *logger) Infof(format string, args ...any)  { l.log(slog.LevelInfo, fmt.Sprintf(format, args...)) }
func (l *logger) Warnf(format string, args ...any)  { l.log(slog.LevelWarn, fmt.Sprintf(format, args...)) }
func (l *logger) Errorf(format string, args ...any) { l.log(slog.LevelError, fmt.Sprintf(format, args...)) }

func (l *logger) With(args ...any) Logger {
	return &logger{slog: l.slog.With(args...)}
}

// elapsed formats the time since start, rounded to the millisecond, for
// logging an operation's duration.
func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
