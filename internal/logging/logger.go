// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/dunamismax/storyforge/internal/config"
	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout.
func New(cfg config.LogConfig) *logrus.Logger {
	return NewWithOutput(cfg, os.Stdout)
}

func NewWithOutput(cfg config.LogConfig, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	log.SetLevel(logrus.InfoLevel)
	raw := strings.ToLower(strings.TrimSpace(cfg.Level))
	if raw == "" {
		return log
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", cfg.Level)
		return log
	}
	log.SetLevel(level)
	return log
}
