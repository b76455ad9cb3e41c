// Package logtrace configures structured logging for the service and carries
// per-request trace identifiers. Logging is zerolog throughout; handlers pull
// the request-scoped logger from the context.
package logtrace

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger writing to stderr with Unix
// timestamps.
func InitLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
