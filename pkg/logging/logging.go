package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the logger type used across the server.
type Logger = *logrus.Logger

// Fields aliases logrus.Fields for structured entries.
type Fields = logrus.Fields

// Entry is a logger with bound fields.
type Entry = *logrus.Entry

// New returns a JSON logger at the given level ("debug", "info", "warn",
// "error"; anything else means info).
func New(level string) Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(parseLevel(level))
	return logger
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
