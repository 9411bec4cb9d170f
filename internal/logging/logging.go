// Package logging provides structured, component-scoped logging built on
// logrus, following the teacher's infrastructure/logging package shape.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates the process-wide logrus.Logger, configured for the given
// level and output format ("json" or "text").
func New(level, format string) *logrus.Logger {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)
	return logger
}

// Component returns a logrus.Entry scoped to a single component name, the
// convention every package in this module uses for its logger.
func Component(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}
