// Package logx wires zerolog: one base logger per process, a named
// sub-logger per component (machine, ooocore and atomcore each take one
// through New), and cycle-granularity
// Debug logs gated behind zerolog's own level check so a production run
// at Info level pays no formatting cost for them.
package logx

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Base is the process-wide logger; New derives every component logger
// from it so a single SetLevel call governs the whole simulator.
var Base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
	With().Timestamp().Logger()

// New returns a sub-logger tagged with component, e.g. logx.New("rob").
func New(component string) zerolog.Logger {
	return Base.With().Str("component", component).Logger()
}

// SetLevel adjusts the base logger's level; "debug", "info", "warn",
// "error" are accepted, matching zerolog's own ParseLevel vocabulary.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Cycle logs one cycle-granularity event at Debug, only formatting its
// fields if Debug is actually enabled (spec.md ambient logging: "cycle
// logs must not cost anything when disabled").
func Cycle(l zerolog.Logger, cycle uint64, msg string, fields map[string]any) {
	if l.GetLevel() > zerolog.DebugLevel {
		return
	}
	ev := l.Debug().Uint64("cycle", cycle)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
