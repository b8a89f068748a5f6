// Package observability constructs the zerolog loggers used by the binaries.
package observability

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger tagged with the service name. level accepts
// the usual zerolog names (debug, info, warn, error); anything else means
// info.
func NewLogger(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
