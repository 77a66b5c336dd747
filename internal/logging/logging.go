package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerKey = contextKey("logger")

// NewLogger creates a JSON logger writing to stdout at the given level.
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	return newLogger(level, os.Stdout)
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// WithLogger stores a logger entry in the context
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey, entry)
}

// FromContext returns the request-scoped logger entry, or an entry on the
// standard logger if none was attached.
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
