// Package logging wires up zerolog the way cmd/ollamacron/main.go's
// initializeLogging does: a parsed level, console output in development,
// and a base logger tagged with the owning component.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/largetownsky/ratesched/pkg/config"
)

// New builds a component-tagged logger from a LoggingConfig, matching
// initializeLogging's level-parse-then-format-select sequence.
func New(cfg config.LoggingConfig, component string) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(w).With().Timestamp().Str("component", component).Logger(), nil
}

// WithReservation annotates a logger with a reservation number, the
// correlation handle callers use across Reserve/Cancel/Wait log lines.
func WithReservation(l zerolog.Logger, reservationNumber int64) zerolog.Logger {
	return l.With().Int64("reservation_number", reservationNumber).Logger()
}

// WithCorrelationID annotates a logger with a request-scoped correlation ID
// (see pkg/ratelimitapi, which mints one per HTTP request via google/uuid).
func WithCorrelationID(l zerolog.Logger, correlationID string) zerolog.Logger {
	return l.With().Str("correlation_id", correlationID).Logger()
}
