package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global console logger. Every line carries the service
// name so merged log streams stay attributable.
func Setup(service string) {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(output).With().Timestamp().Str("service", service).Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
