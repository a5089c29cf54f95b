// Package logtrace provides logging and tracing utilities for the application.
// It integrates with zerolog for structured logging and carries a per-run
// correlation id through context.Context.
package logtrace

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options control the global logger.
type Options struct {
	Quiet   bool      // only warnings and errors
	Verbose bool      // include debug events
	JSON    bool      // raw JSON lines instead of console output
	Out     io.Writer // defaults to os.Stderr
}

// InitLogger initializes the global logger. Output goes to stderr so that
// stdout stays reserved for command results.
func InitLogger(opts ...Options) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	out := o.Out
	if out == nil {
		out = os.Stderr
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if !o.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	switch {
	case o.Quiet:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case o.Verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
