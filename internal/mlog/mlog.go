// Package mlog exports logging primitives that log to stderr and,
// optionally, to a registered structured-logging sink.
package mlog

import (
	"io"
	"log"
	"os"
)

// Level represents the level of logging.
type Level int

// Different levels of logging.
const (
	DebugLevel Level = iota
	InfoLevel
	ErrorLevel
	DisabledLevel
)

// ExternalLogger describes a service that processes logs in addition
// to the default stderr logger, such as a structured (zerolog-backed)
// sink for non-interactive runs.
type ExternalLogger interface {
	Log(Level, string)
}

// The set of default loggers for each log level.
var (
	Debug = &logger{DebugLevel}
	Info  = &logger{InfoLevel}
	Error = &logger{ErrorLevel}
)

var (
	currentLevel         = InfoLevel
	defaultLogger *log.Logger = log.New(os.Stderr, "", 0)
	external      ExternalLogger
)

// Register connects an ExternalLogger to the default logger. This may
// only be called once.
func Register(e ExternalLogger) {
	if external != nil {
		panic("mlog: cannot register second external logger")
	}
	external = e
}

// SetLevel sets the minimum level that will be logged.
func SetLevel(l Level) { currentLevel = l }

// Flush is a no-op retained so a shutdown sequence can call it
// unconditionally, the way it flushes a real buffered sink; neither
// the stderr logger nor ZerologSink currently buffer.
func Flush() {}

// SetOutput redirects the default logger. If w is nil, the default
// logger is disabled (an external logger, if any, still runs).
func SetOutput(w io.Writer) {
	if w == nil {
		defaultLogger = nil
		return
	}
	defaultLogger = log.New(w, "", 0)
}

type logger struct {
	level Level
}

// Printf writes a formatted message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	msg := sprintf(format, v...)
	if external != nil {
		external.Log(l.level, msg)
	}
	if defaultLogger != nil {
		defaultLogger.Print(prefix(l.level) + msg)
	}
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	msg := sprint(v...)
	if external != nil {
		external.Log(l.level, msg)
	}
	if defaultLogger != nil {
		defaultLogger.Print(prefix(l.level) + msg)
	}
}

func prefix(l Level) string {
	switch l {
	case DebugLevel:
		return "debug: "
	case ErrorLevel:
		return "error: "
	default:
		return ""
	}
}
