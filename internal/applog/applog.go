// Package applog is the base station's shared structured-logging
// constructor. Every component takes a Logger by injection rather than
// reaching for a package-level global, so tests can pass a silent logger
// and production wires one real *log.Logger per component name.
package applog

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger is the structured-logging capability every component depends on.
// *github.com/charmbracelet/log.Logger satisfies it directly.
type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

// ParseLevel maps the --log-level flag value to a charmbracelet/log level,
// defaulting to Info on an unrecognized value.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New builds a component-scoped logger writing to w (os.Stderr in
// production) at the given level, prefixed with component so multi-thread
// log interleaving stays attributable.
func New(w io.Writer, level log.Level, component string) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	l.SetLevel(level)
	return l
}

// Default is a convenience constructor for callers that just want
// stderr at info level.
func Default(component string) *log.Logger {
	return New(os.Stderr, log.InfoLevel, component)
}
