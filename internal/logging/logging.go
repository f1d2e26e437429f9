// Package logging wraps logrus with the level flag shared by every
// subcommand.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

// LogArgs is embedded in a subcommand's go-arg struct.
type LogArgs struct {
	LogLevel string `arg:"--log-level" default:"info" help:"Set the logging level (trace, debug, info, warn, error)."`
}

// NewLogger returns a logger writing to stderr at the given level. An
// unknown level falls back to info.
func NewLogger(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	// journald adds its own timestamps.
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		l.Warnf("Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &Logger{Logger: l}
}

// Flush syncs stderr. Used before the process is taken down hard.
func (l *Logger) Flush() {
	if f, ok := l.Out.(*os.File); ok {
		_ = f.Sync()
	}
}
