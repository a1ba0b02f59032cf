// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps charmbracelet/log with the small set of helpers the
// rest of the proxy depends on: a per-component logger, a process-wide
// default, and key/value structured calls at each level.
package logging

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

// Config controls how a Logger is built.
type Config struct {
	Output    io.Writer
	Level     charmlog.Level
	Component string
	JSON      bool
	TimeFmt   string
}

// DefaultConfig returns a human-readable logger writing to stderr at Info
// level, matching the proxy's default CLI behavior.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  charmlog.InfoLevel,
	}
}

// Logger is a thin wrapper adding WithComponent to charmbracelet/log.
type Logger struct {
	l *charmlog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := charmlog.Options{
		ReportTimestamp: true,
		Level:           cfg.Level,
	}
	if cfg.JSON {
		opts.Formatter = charmlog.JSONFormatter
	}
	if cfg.TimeFmt != "" {
		opts.TimeFormat = cfg.TimeFmt
	}
	l := charmlog.NewWithOptions(out, opts)
	if cfg.Component != "" {
		l = l.WithPrefix(cfg.Component)
	}
	return &Logger{l: l}
}

// WithComponent returns a derived Logger tagging every line with name.
func (lg *Logger) WithComponent(name string) *Logger {
	return &Logger{l: lg.l.WithPrefix(name)}
}

// With returns a derived Logger with the given key/value pairs attached to
// every subsequent call.
func (lg *Logger) With(kv ...any) *Logger {
	return &Logger{l: lg.l.With(kv...)}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.l.Debug(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.l.Info(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.l.Warn(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.l.Error(msg, kv...) }
func (lg *Logger) Fatal(msg string, kv ...any) { lg.l.Fatal(msg, kv...) }

var (
	defaultMu     sync.Mutex
	defaultLogger atomic.Pointer[Logger]
)

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// SetDefault replaces the package-level default logger used by the
// package-level Debug/Info/Warn/Error/Fatal functions.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger.Store(l)
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger.Load()
}

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
func Fatal(msg string, kv ...any) { Default().Fatal(msg, kv...) }
