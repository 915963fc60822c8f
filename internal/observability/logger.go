package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the global logger with the participant name so every
// component line carries it. Call after logging.Configure.
func InitLogger(participant string) zerolog.Logger {
	logger := log.Logger.With().Str("participant", participant).Logger()
	log.Logger = logger
	return logger
}
