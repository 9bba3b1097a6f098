// Copyright 2025 the db2i-toolbox authors
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

package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging interface used throughout the toolbox.
type Logger interface {
	// DebugContext is for reporting additional information about internal operations.
	DebugContext(ctx context.Context, format string, args ...interface{})
	// InfoContext is for reporting informational messages.
	InfoContext(ctx context.Context, format string, args ...interface{})
	// WarnContext is for reporting warning messages.
	WarnContext(ctx context.Context, format string, args ...interface{})
	// ErrorContext is for reporting errors.
	ErrorContext(ctx context.Context, format string, args ...interface{})

	// SetLevel adjusts the minimum level at runtime (logging/setLevel).
	SetLevel(level string) error
	// Level reports the current minimum level name.
	Level() string
}

const (
	Debug = "DEBUG"
	Info  = "INFO"
	Warn  = "WARN"
	Error = "ERROR"
)

// SeverityToLevel converts a level name to a slog.Level. Syslog-style
// names used by MCP clients (notice, crit, alert, emerg) map onto the
// nearest slog level.
func SeverityToLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case Debug:
		return slog.LevelDebug, nil
	case Info, "NOTICE":
		return slog.LevelInfo, nil
	case Warn, "WARNING":
		return slog.LevelWarn, nil
	case Error, "CRIT", "ALERT", "EMERG":
		return slog.LevelError, nil
	default:
		return slog.Level(0), fmt.Errorf("invalid log level: %q", s)
	}
}

// levelToSeverity converts a slog.Level back to its canonical name.
func levelToSeverity(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return Debug
	case slog.LevelInfo:
		return Info
	case slog.LevelWarn:
		return Warn
	default:
		return Error
	}
}

// redactedKeys is the deny-list of attribute keys whose values never
// reach a sink.
var redactedKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"apikey":        true,
	"authorization": true,
	"cookie":        true,
}

// redactAttr replaces values of denied keys before the record is written.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

type stdLogger struct {
	outLogger *slog.Logger
	errLogger *slog.Logger
	level     *slog.LevelVar
}

// NewStdLogger returns a Logger in standard (human readable) format.
// Debug and info records go to outW, warnings and errors to errW.
func NewStdLogger(outW, errW io.Writer, logLevel string) (Logger, error) {
	level, err := SeverityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	opts := &slog.HandlerOptions{Level: levelVar, ReplaceAttr: redactAttr}
	return &stdLogger{
		outLogger: slog.New(slog.NewTextHandler(outW, opts)),
		errLogger: slog.New(slog.NewTextHandler(errW, opts)),
		level:     levelVar,
	}, nil
}

func (l *stdLogger) DebugContext(ctx context.Context, format string, args ...interface{}) {
	l.outLogger.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func (l *stdLogger) InfoContext(ctx context.Context, format string, args ...interface{}) {
	l.outLogger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (l *stdLogger) WarnContext(ctx context.Context, format string, args ...interface{}) {
	l.errLogger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (l *stdLogger) ErrorContext(ctx context.Context, format string, args ...interface{}) {
	l.errLogger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (l *stdLogger) SetLevel(level string) error {
	lvl, err := SeverityToLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(lvl)
	return nil
}

func (l *stdLogger) Level() string {
	return levelToSeverity(l.level.Level())
}

type structuredLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewStructuredLogger returns a Logger in JSON format. All records go
// to outW; errW is retained for parity with NewStdLogger and receives
// nothing.
func NewStructuredLogger(outW, _ io.Writer, logLevel string) (Logger, error) {
	level, err := SeverityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	handler := slog.NewJSONHandler(outW, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: redactAttr,
	})
	return &structuredLogger{logger: slog.New(handler), level: levelVar}, nil
}

func (l *structuredLogger) DebugContext(ctx context.Context, format string, args ...interface{}) {
	l.logger.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func (l *structuredLogger) InfoContext(ctx context.Context, format string, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (l *structuredLogger) WarnContext(ctx context.Context, format string, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (l *structuredLogger) ErrorContext(ctx context.Context, format string, args ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (l *structuredLogger) SetLevel(level string) error {
	lvl, err := SeverityToLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(lvl)
	return nil
}

func (l *structuredLogger) Level() string {
	return levelToSeverity(l.level.Level())
}

// fileSinkMaxSizeMB and fileSinkMaxBackups bound each rotated log file.
const (
	fileSinkMaxSizeMB  = 10
	fileSinkMaxBackups = 5
)

// NewFileLogger returns a structured Logger whose records rotate under
// dir. Used when LOGS_PATH is set; required on stdio transport where
// stdout carries the protocol stream.
func NewFileLogger(dir, logLevel string) (Logger, error) {
	level, err := SeverityToLevel(logLevel)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	combined := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "combined.log"),
		MaxSize:    fileSinkMaxSizeMB,
		MaxBackups: fileSinkMaxBackups,
	}
	errOnly := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "error.log"),
		MaxSize:    fileSinkMaxSizeMB,
		MaxBackups: fileSinkMaxBackups,
	}

	opts := &slog.HandlerOptions{Level: levelVar, ReplaceAttr: redactAttr}
	errLevel := new(slog.LevelVar)
	errLevel.Set(slog.LevelError)
	errOpts := &slog.HandlerOptions{Level: errLevel, ReplaceAttr: redactAttr}

	return &fileLogger{
		combined: slog.New(slog.NewJSONHandler(combined, opts)),
		errors:   slog.New(slog.NewJSONHandler(errOnly, errOpts)),
		level:    levelVar,
	}, nil
}

type fileLogger struct {
	combined *slog.Logger
	errors   *slog.Logger
	level    *slog.LevelVar
}

func (l *fileLogger) DebugContext(ctx context.Context, format string, args ...interface{}) {
	l.combined.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func (l *fileLogger) InfoContext(ctx context.Context, format string, args ...interface{}) {
	l.combined.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (l *fileLogger) WarnContext(ctx context.Context, format string, args ...interface{}) {
	l.combined.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (l *fileLogger) ErrorContext(ctx context.Context, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.combined.ErrorContext(ctx, msg)
	l.errors.ErrorContext(ctx, msg)
}

func (l *fileLogger) SetLevel(level string) error {
	lvl, err := SeverityToLevel(level)
	if err != nil {
		return err
	}
	l.level.Set(lvl)
	return nil
}

func (l *fileLogger) Level() string {
	return levelToSeverity(l.level.Level())
}
