package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger shared by every component.
type Logger = zerolog.Logger

// New builds the process logger. Unknown levels fall back to info.
func New(level string, pretty bool) Logger {
	return newWithWriter(os.Stderr, level, pretty)
}

func newWithWriter(w io.Writer, level string, pretty bool) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}

// Sampled returns a logger that lets through at most burst messages per
// second. Used on hot paths such as queue overflow.
func Sampled(l Logger, burst uint32) Logger {
	return l.Sample(&zerolog.BurstSampler{
		Burst:  burst,
		Period: time.Second,
	})
}

// Nop returns a disabled logger, handy in tests.
func Nop() Logger {
	return zerolog.Nop()
}
