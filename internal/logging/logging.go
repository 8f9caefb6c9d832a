// Package logging wraps zerolog with the leveled, netId-aware helpers the
// rest of the resolver core logs through.
package logging

import (
	"io"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog.Level so callers never import zerolog directly.
type Level zerolog.Level

const (
	TraceLevel   = Level(zerolog.TraceLevel)
	DebugLevel   = Level(zerolog.DebugLevel)
	InfoLevel    = Level(zerolog.InfoLevel)
	WarningLevel = Level(zerolog.WarnLevel)
	ErrorLevel   = Level(zerolog.ErrorLevel)
	Disabled     = Level(zerolog.Disabled)
)

const DefaultLevel = WarningLevel

var base = zerolog.New(newConsoleWriter()).With().Timestamp().Logger().Level(zerolog.Level(DefaultLevel))

// Writer adapts the logger into an io.Writer whose lines are emitted
// without a level, so they appear regardless of the configured severity
// (the version banner, startup configuration errors).
func Writer() io.Writer {
	return &base
}

// SetLevel implements the setLogSeverity configuration operation.
// It returns false for a level outside VERBOSE..ERROR so callers can report
// -EINVAL.
func SetLevel(level Level) bool {
	switch level {
	case TraceLevel, DebugLevel, InfoLevel, WarningLevel, ErrorLevel:
		base = base.Level(zerolog.Level(level))
		return true
	default:
		return false
	}
}

func CurrentLevel() Level {
	return Level(base.GetLevel())
}

// Network returns a logger with the netId field pre-populated, the way every
// per-network event (telemetry, validation transitions, cache sweeps) wants
// to be attributed.
func Network(netId int) *zerolog.Logger {
	l := base.With().Int("netId", netId).Logger()
	return &l
}

func Debug() *zerolog.Event { return base.Debug() }
func Info() *zerolog.Event  { return base.Info() }
func Warn() *zerolog.Event  { return base.Warn() }
func Error() *zerolog.Event { return base.Error() }
func Err(err error) *zerolog.Event {
	return base.Err(err)
}
