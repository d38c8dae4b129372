// Package logging defines the Logger contract every bus component
// consumes and a logrus-backed default implementation.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled logging interface injected into every bus
// component. No component ever reaches for a package-level global.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	// ToggleDebug turns debug-level output on or off (back to info) and
	// returns the new state.
	ToggleDebug(enabled bool) bool

	// SetLevel applies a level name ("debug", "info", "warn", "error")
	// at runtime; unrecognized names are ignored with a warning.
	SetLevel(level string)
}

// logrusLogger wraps a *logrus.Logger to satisfy Logger.
type logrusLogger struct {
	*logrus.Logger
}

// New returns the default Logger, writing to stderr in a compact text
// format at info level.
func New() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{Logger: l}
}

// NewToFile returns a Logger writing to the given file path instead of
// stderr, used when the config names a logging.file.
func NewToFile(path string) (Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{Logger: l}, nil
}

func (l *logrusLogger) ToggleDebug(enabled bool) bool {
	if enabled {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return enabled
}

func (l *logrusLogger) SetLevel(level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warnf("logging: unrecognized level %q, keeping %s", level, l.Logger.GetLevel())
		return
	}
	l.Logger.SetLevel(parsed)
}
