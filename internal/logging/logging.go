// Package logging provides a thin, component-tagged wrapper around the
// standard library logger. The server has no structured-logging dependency;
// every component logs through a *Logger so log lines carry a consistent
// "[component] " prefix the way the teacher's ad hoc log.Printf calls did,
// without hand-prefixing every call site.
package logging

import (
	"log"
	"os"
)

// Logger tags every line it emits with a fixed component name.
// It is safe for concurrent use: the underlying log.Logger already
// serializes writes internally.
type Logger struct {
	std *log.Logger
}

// New creates a Logger that prefixes every line with "[component] ".
func New(component string) *Logger {
	return &Logger{
		std: log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// Printf logs a formatted message at the default (info) level.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.std.Printf(format, args...)
}

// Warnf logs a formatted message tagged WARN. Protocol errors (malformed
// frames, unknown message types) are logged at this level per spec.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("WARN "+format, args...)
}

// Errorf logs a formatted message tagged ERROR.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf("ERROR "+format, args...)
}
