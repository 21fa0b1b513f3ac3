// Package logging builds the process-wide structured logger.
package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured for the governor: JSON output when
// stdout is not a terminal (containers, systemd, CI), a human-readable text
// formatter with colors when it is. level must be one of logrus's level
// strings ("debug", "info", "warn", "error"); an unrecognized value falls
// back to "info".
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
