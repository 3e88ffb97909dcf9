// Package logging builds the daemon's logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Environment variables that win over configured values.
const (
	EnvLevel  = "WMBUSD_LOG_LEVEL"
	EnvFormat = "WMBUSD_LOG_FORMAT"
)

// New returns a logger writing to out at level in the given format, text or
// json. Values from the environment take precedence.
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	if v, ok := os.LookupEnv(EnvLevel); ok && strings.TrimSpace(v) != "" {
		level = v
	}
	if v, ok := os.LookupEnv(EnvFormat); ok && strings.TrimSpace(v) != "" {
		format = v
	}

	log := logrus.New()
	log.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return log, nil
}
