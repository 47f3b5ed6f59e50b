// Package logging provides per-subsystem structured logging for the
// klingpay daemon. Logging is configured once for the whole process;
// subsystems obtain named loggers with Component, and nested
// components chain their names ("sync/unspent").
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Process-wide logging state, set by Init and inherited by every
// logger created afterwards.
var (
	mu         sync.Mutex
	procLevel            = log.InfoLevel
	procOutput io.Writer = os.Stderr
	timeFormat           = time.TimeOnly
)

var levelNames = map[string]log.Level{
	"debug":   log.DebugLevel,
	"info":    log.InfoLevel,
	"warn":    log.WarnLevel,
	"warning": log.WarnLevel,
	"error":   log.ErrorLevel,
	"fatal":   log.FatalLevel,
}

// Init configures process-wide logging. Unknown level names fall back
// to info; a nil writer keeps stderr. Loggers created before Init keep
// their old settings, so call it first thing in main.
func Init(level string, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := levelNames[strings.ToLower(level)]; ok {
		procLevel = l
	} else {
		procLevel = log.InfoLevel
	}
	if out != nil {
		procOutput = out
	}
}

// Logger is a subsystem logger. Obtain one with Component.
type Logger struct {
	*log.Logger
	name string
}

// Component returns a logger whose output is prefixed with the
// subsystem name.
func Component(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()

	l := log.NewWithOptions(procOutput, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          name,
	})
	l.SetLevel(procLevel)
	return &Logger{Logger: l, name: name}
}

// Component returns a child logger named under this one, e.g.
// Component("sync").Component("unspent") logs as "sync/unspent".
func (l *Logger) Component(child string) *Logger {
	name := child
	if l.name != "" {
		name = l.name + "/" + child
	}
	return Component(name)
}

// With returns a copy of the logger with key-value pairs attached to
// every record.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), name: l.name}
}

// Name returns the subsystem name.
func (l *Logger) Name() string {
	return l.name
}
