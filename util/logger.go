// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LevelFor maps the CLI verbosity count and --debug switch to a zerolog
// level.  Debug mode enables per-unit events (drops, send errors); -vv
// additionally traces every forwarded unit.
//
//	0      info
//	1      debug
//	2+     trace
//	debug  at least debug
func LevelFor(verbosity int, debug bool) zerolog.Level {
	switch {
	case verbosity >= 2:
		return zerolog.TraceLevel
	case verbosity == 1 || debug:
		return zerolog.DebugLevel
	case verbosity < 0:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a console logger on stderr with RFC3339 timestamps.
func NewLogger(verbosity int, debug bool) zerolog.Logger {
	return NewLoggerTo(os.Stderr, verbosity, debug)
}

// NewLoggerTo is NewLogger with an explicit output, used by tests.
func NewLoggerTo(w io.Writer, verbosity int, debug bool) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	if f, ok := w.(*os.File); !ok || f != os.Stderr {
		output.NoColor = true
	}
	return zerolog.New(output).
		Level(LevelFor(verbosity, debug)).
		With().Timestamp().
		Logger()
}
