package ppshare

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a leveled log output stream with a component prefix added to
// each record. Loggers are forked per component so that log lines from the
// relay, the hosts registry and individual control channels can be told
// apart.
type Logger struct {
	prefix string
	entry  *logrus.Entry
}

// NewLogger creates a root Logger writing to stderr. If debug is true,
// debug-level records are emitted as well.
func NewLogger(prefix string, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return &Logger{
		prefix: prefix,
		entry:  l.WithField("component", prefix),
	}
}

// NewTestLogger creates a debug-level Logger for use in tests.
func NewTestLogger(prefix string) *Logger {
	return NewLogger(prefix, true)
}

// Fork creates a new Logger that has an additional formatted component name
// appended onto an existing logger's prefix.
func (l *Logger) Fork(prefix string, args ...interface{}) *Logger {
	p := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		p = l.prefix + "." + p
	}
	return &Logger{
		prefix: p,
		entry:  l.entry.Logger.WithField("component", p),
	}
}

// Prefix returns the component prefix of this Logger.
func (l *Logger) Prefix() string {
	return l.prefix
}

// IsDebug returns true if debug-level records are being emitted.
func (l *Logger) IsDebug() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// ILogf outputs an info-level record.
func (l *Logger) ILogf(f string, args ...interface{}) {
	l.entry.Infof(f, args...)
}

// DLogf outputs a debug-level record.
func (l *Logger) DLogf(f string, args ...interface{}) {
	l.entry.Debugf(f, args...)
}

// WLogf outputs a warning-level record.
func (l *Logger) WLogf(f string, args ...interface{}) {
	l.entry.Warnf(f, args...)
}

// ELogf outputs an error-level record.
func (l *Logger) ELogf(f string, args ...interface{}) {
	l.entry.Errorf(f, args...)
}

// Errorf returns an error object with a description string that has the
// Logger's prefix.
func (l *Logger) Errorf(f string, args ...interface{}) error {
	if l.prefix == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s: %s", l.prefix, fmt.Sprintf(f, args...))
}

// DLogErrorf outputs a debug-level record and returns it as an error with
// the Logger's prefix.
func (l *Logger) DLogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.entry.Debug(err.Error())
	return err
}

// WLogErrorf outputs a warning-level record and returns it as an error with
// the Logger's prefix.
func (l *Logger) WLogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.entry.Warn(err.Error())
	return err
}

// ELogErrorf outputs an error-level record and returns it as an error with
// the Logger's prefix.
func (l *Logger) ELogErrorf(f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	l.entry.Error(err.Error())
	return err
}
