// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package log provides the structured logger shared by the throttler,
// httpclient and wsclient packages. It wraps log/slog with named,
// hierarchical loggers and span-aware context logging so that a single
// admission wait or outbound call can be traced end to end.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger is a structured, span-aware logger with a dotted name
	// path (e.g. "throttler.httpclient") and a fixed output format.
	Logger struct {
		logger     *slog.Logger
		format     Format
		output     io.Writer
		path       string
		level      *slog.LevelVar
		attributes []Attr
		skip       Matcher
	}

	// Option configures a Logger during construction.
	Option func(l *Logger)

	// Level is a logging severity, re-exported from slog so callers
	// don't need to import log/slog themselves.
	Level = slog.Level

	// Attr is a single structured key-value pair attached to a log
	// entry.
	Attr = slog.Attr

	// Format selects the on-disk/on-terminal rendering of log entries.
	Format = string

	// Matcher decides whether a log entry should be suppressed.
	// Returning true drops the entry.
	Matcher func(level Level, msg string, attrs []Attr) bool
)

var (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError

	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
	FormatText   Format = "text"
)

// WithLevel sets the minimum level a Logger will emit.
func WithLevel(level Level) Option {
	return func(l *Logger) { l.level.Set(level) }
}

// WithOutput directs log output to w. Defaults to os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) { l.output = w }
}

// WithName sets the dotted name path reported on every entry.
func WithName(name string) Option {
	return func(l *Logger) { l.path = name }
}

// WithAttributes attaches default attributes to every entry emitted
// by the Logger.
func WithAttributes(attrs ...Attr) Option {
	return func(l *Logger) { l.attributes = attrs }
}

// WithFormat selects the rendering format. Defaults to FormatJSON.
func WithFormat(format Format) Option {
	return func(l *Logger) { l.format = format }
}

// WithSuppress installs a Matcher that drops entries it matches,
// instead of emitting them.
func WithSuppress(m Matcher) Option {
	return func(l *Logger) { l.skip = m }
}

// Any wraps an arbitrary value as an attribute.
func Any(k string, v any) Attr { return slog.Any(k, v) }

// Bool creates a boolean attribute.
func Bool(k string, v bool) Attr { return slog.Bool(k, v) }

// Duration creates a duration attribute.
func Duration(k string, v time.Duration) Attr { return slog.Duration(k, v) }

// Float64 creates a float64 attribute.
func Float64(k string, v float64) Attr { return slog.Float64(k, v) }

// Int creates an int attribute.
func Int(k string, v int) Attr { return slog.Int(k, v) }

// Int64 creates an int64 attribute.
func Int64(k string, v int64) Attr { return slog.Int64(k, v) }

// Uint64 creates a uint64 attribute.
func Uint64(k string, v uint64) Attr { return slog.Uint64(k, v) }

// String creates a string attribute.
func String(k, v string) Attr { return slog.String(k, v) }

// Strings creates a string-slice attribute, useful for logging the
// ids of a resolved set of linked rate limits.
func Strings(k string, v []string) Attr { return slog.Any(k, v) }

// Time creates a time attribute.
func Time(k string, v time.Time) Attr { return slog.Time(k, v) }

// Error wraps err as a string attribute named "error". Passing a nil
// error logs the literal string "<nil>", which is almost always a
// call-site mistake worth being visible about rather than hidden.
func Error(err error) Attr { return String("error", fmt.Sprint(err)) }

// Discard returns a Logger that drops every entry. Useful as the
// default for components that make logging optional.
func Discard() *Logger {
	return NewLogger(WithOutput(io.Discard))
}

// NewLogger builds a Logger from the given options.
func NewLogger(options ...Option) *Logger {
	l := &Logger{
		output: os.Stderr,
		level:  new(slog.LevelVar),
		format: FormatJSON,
	}

	for _, option := range options {
		option(l)
	}

	var handler slog.Handler
	switch l.format {
	case FormatPretty:
		handler = NewPrettyHandler(l.output, &slog.HandlerOptions{Level: l.level})
	case FormatText:
		handler = slog.NewTextHandler(l.output, &slog.HandlerOptions{Level: l.level})
	case FormatJSON:
		handler = slog.NewJSONHandler(l.output, &slog.HandlerOptions{Level: l.level})
	default:
		panic(fmt.Errorf("unsupported log format %q for logger %q", l.format, l.path))
	}

	l.logger = slog.New(handler.WithAttrs(l.attributes))

	return l
}

// With returns a child Logger that adds attrs to every subsequent
// entry, keeping the same name and settings.
func (l *Logger) With(attrs ...Attr) *Logger {
	return NewLogger(l.inherit(WithAttributes(append(l.attributes, attrs...)...))...)
}

// Named returns a child Logger whose name is this Logger's name with
// name appended, dot-separated.
func (l *Logger) Named(name string) *Logger {
	path := name
	if l.path != "" {
		path = l.path + "." + name
	}
	return NewLogger(l.inherit(WithName(path))...)
}

func (l *Logger) inherit(extra ...Option) []Option {
	opts := []Option{
		WithName(l.path),
		WithOutput(l.output),
		WithLevel(l.level.Level()),
		WithAttributes(l.attributes...),
		WithFormat(l.format),
	}
	if l.skip != nil {
		opts = append(opts, WithSuppress(l.skip))
	}
	return append(opts, extra...)
}

// Log emits msg at level with the given attributes, stamping the
// logger's name and, when ctx carries a recording span, its trace and
// span ids.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...Attr) {
	if l.skip != nil && l.skip(level, msg, args) {
		return
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		spanCtx := span.SpanContext()
		args = append(args,
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	args = append(args, slog.String("name", l.path))

	l.logger.LogAttrs(ctx, level, msg, args...)
}

func (l *Logger) Debug(msg string, args ...Attr) { l.Log(context.Background(), LevelDebug, msg, args...) }
func (l *Logger) DebugCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...Attr) { l.Log(context.Background(), LevelInfo, msg, args...) }
func (l *Logger) InfoCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...Attr) { l.Log(context.Background(), LevelWarn, msg, args...) }
func (l *Logger) WarnCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...Attr) { l.Log(context.Background(), LevelError, msg, args...) }
func (l *Logger) ErrorCtx(ctx context.Context, msg string, args ...Attr) {
	l.Log(ctx, LevelError, msg, args...)
}
