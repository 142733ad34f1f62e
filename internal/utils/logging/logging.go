package logging

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Entry
)

func init() {
	if logger == nil {
		l := logrus.New()
		//stdout carries command output
		l.SetOutput(os.Stderr)
		logger = logrus.NewEntry(l)
	}
}

func SetLevel(l logrus.Level) {
	logger.Logger.SetLevel(l)
}

// SetFormat switches between "text" and "json" log lines.
func SetFormat(format string) error {
	switch format {
	case "text", "":
		logger.Logger.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logger.Logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	return nil
}

func WithError(e error) *logrus.Entry {
	return logger.WithError(e)
}

func WithField(k string, v interface{}) *logrus.Entry {
	return logger.WithField(k, v)
}

func Entry() *logrus.Entry {
	return logger
}
