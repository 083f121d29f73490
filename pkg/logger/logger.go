// Package logger provides structured logging for the wallet session core.
// It wraps logrus with a small fixed surface so components can take a
// *Logger without depending on the logging backend directly.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a named structured logger.
type Logger struct {
	entry *logrus.Entry
}

// Log is the package-level default logger.
var Log = NewDefault("sealguard")

// NewDefault creates a logger for the named component. The level is taken
// from LOG_LEVEL (debug, info, warn, error); unknown values mean info.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(levelFromEnv())
	return &Logger{entry: l.WithField("component", component)}
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetOutput redirects log output. Useful for silencing logs in tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached as a field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...any) { l.entry.Debug(args...) }

// Info logs at info level.
func (l *Logger) Info(args ...any) { l.entry.Info(args...) }

// Warn logs at warn level.
func (l *Logger) Warn(args ...any) { l.entry.Warn(args...) }

// Error logs at error level.
func (l *Logger) Error(args ...any) { l.entry.Error(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...any) { l.entry.Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...any) { l.entry.Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
