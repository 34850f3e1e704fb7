// Package log centralizes logger construction so every component gets a
// consistently formatted *logrus.Logger, mirroring the teacher's
// pkg/config.Config.NewLogger convention.
package log

import (
	"time"

	"github.com/sirupsen/logrus"
)

// New creates a logger at the given level with the daemon's standard
// text format (full timestamps, RFC3339).
func New(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// Component returns a logger entry tagged with the component's name, used
// by each of C1-C8 to prefix their structured log lines (e.g.
// log.Component(logger, "scanner").Info("started")).
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = New(logrus.InfoLevel)
	}
	return logger.WithField("component", name)
}
