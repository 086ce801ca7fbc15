package infra

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is shared by every package of the collector. Its level comes from
// the LOGLEVEL environment variable.
var Logger zerolog.Logger

func init() {
	Logger = log.With().Str("component", "gc").Logger().Level(levelFromEnv(os.Getenv("LOGLEVEL")))
}

func levelFromEnv(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}
