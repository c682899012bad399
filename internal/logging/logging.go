// Package logging configures the logrus loggers shared by every component.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config selects the level and output format of a logger.
type Config struct {
	Level            string `json:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format           string `json:"format" yaml:"format"` // text or json
	DisableTimestamp bool   `json:"disableTimestamp" yaml:"disableTimestamp"`
}

// DefaultConfig logs at info level in text format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// Discard returns a logger that drops everything. Components use it when no
// logger is supplied.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.PanicLevel)
	return l
}

// New builds a logger writing to out.
func New(out io.Writer, c Config) (*logrus.Logger, error) {
	l := logrus.New()
	l.Out = out
	if err := Configure(l, c); err != nil {
		return nil, err
	}
	return l, nil
}

// Configure applies level and format to an existing logger.
func Configure(l *logrus.Logger, c Config) error {
	level := c.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	format := strings.ToLower(c.Format)
	switch format {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  time.RFC3339,
			FullTimestamp:    true,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}
	return nil
}
