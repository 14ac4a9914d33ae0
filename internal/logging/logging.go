// Package logging wraps charmbracelet/log to provide Influo's leveled
// structured logger, configured once from Configuration.log_level and then
// handed out per component.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/Danktronics/Influo/internal/config"
)

// Level aliases for charmbracelet/log levels, re-exported so callers never
// need to import charmbracelet/log directly.
const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// Setup configures the global logging defaults from the configuration's
// log_level field. Call once during daemon startup, before any New calls --
// charmbracelet/log copies level/formatter state at child-logger creation
// time, so later Setup calls do not retroactively affect already-created
// loggers.
func Setup(level config.LogLevel) {
	log.SetLevel(levelFor(level))
	log.SetOutput(os.Stderr)
	log.SetTimeFormat("15:04:05")
}

func levelFor(level config.LogLevel) log.Level {
	switch level {
	case config.LogLevelDebug:
		return log.DebugLevel
	case config.LogLevelInfo:
		return log.InfoLevel
	case config.LogLevelWarn:
		return log.WarnLevel
	case config.LogLevelError:
		return log.ErrorLevel
	default:
		return log.WarnLevel
	}
}

// New creates a component-prefixed logger inheriting the global level and
// output set by Setup.
func New(component string) *log.Logger {
	return log.WithPrefix(component)
}

// SetOutput overrides the output writer for the default logger. Intended
// for tests that want to capture output in a bytes.Buffer.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
