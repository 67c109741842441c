// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-udsstack contributors.

// Package diaglog implements the diagnostic core's error and state logs
// (C8): a level-gated logger plus the bounded history rings that back the
// error, state-transition, and replay views the core exposes to readers.
package diaglog

import (
	"log"
	"os"
	"sync/atomic"
)

// LogProvider routes formatted log lines to a sink. Swap the default with a
// vehicle-specific implementation (e.g. one that tees to a CAN-based
// diagnostic trace channel) by calling SetProvider.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Level is the logging severity. Ordering: Off < Critical < Error < Warn < Debug.
// Setting a level enables logging for that level and all more critical levels.
type Level uint32

const (
	LevelOff Level = iota
	LevelCritical
	LevelError
	LevelWarn
	LevelDebug
)

// Log is the core's logging handle. Logs embeds one, and every stateful
// component (isotp.Engine, session.Manager, security.Manager, dtc.Store,
// core.Core) holds a *Logs.
type Log struct {
	provider LogProvider
	level    uint32 // atomic
}

// NewLog creates a logger with the given line prefix. Default level is Off,
// matching firmware practice of shipping with diagnostics quiet until a
// developer opts in.
func NewLog(prefix string) Log {
	return Log{
		provider: defaultLogger{log.New(os.Stdout, prefix, log.LstdFlags)},
		level:    uint32(LevelOff),
	}
}

// SetLevel sets the logging level. LevelOff disables all logs.
func (sf *Log) SetLevel(lvl Level) {
	atomic.StoreUint32(&sf.level, uint32(lvl))
}

// SetProvider swaps the log sink.
func (sf *Log) SetProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Log) allowed(required Level) bool {
	return atomic.LoadUint32(&sf.level) >= uint32(required)
}

func (sf Log) Critical(format string, v ...interface{}) {
	if sf.allowed(LevelCritical) {
		sf.provider.Critical(format, v...)
	}
}

func (sf Log) Error(format string, v ...interface{}) {
	if sf.allowed(LevelError) {
		sf.provider.Error(format, v...)
	}
}

func (sf Log) Warn(format string, v ...interface{}) {
	if sf.allowed(LevelWarn) {
		sf.provider.Warn(format, v...)
	}
}

func (sf Log) Debug(format string, v ...interface{}) {
	if sf.allowed(LevelDebug) {
		sf.provider.Debug(format, v...)
	}
}

type defaultLogger struct {
	*log.Logger
}

var _ LogProvider = (*defaultLogger)(nil)

func (sf defaultLogger) Critical(format string, v ...interface{}) { sf.Printf("[C]: "+format, v...) }
func (sf defaultLogger) Error(format string, v ...interface{})    { sf.Printf("[E]: "+format, v...) }
func (sf defaultLogger) Warn(format string, v ...interface{})     { sf.Printf("[W]: "+format, v...) }
func (sf defaultLogger) Debug(format string, v ...interface{})    { sf.Printf("[D]: "+format, v...) }
