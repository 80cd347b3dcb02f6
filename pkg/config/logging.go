package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLogLevel converts a string level into zerolog.Level with a safe default.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	case "info":
		fallthrough
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger builds the process logger. Format "console" or "json" forces an
// encoding; anything else picks console output when w is a terminal.
func NewLogger(w io.Writer, s LogSettings) zerolog.Logger {
	console := false
	switch strings.ToLower(s.Format) {
	case "console":
		console = true
	case "json":
	default:
		if f, ok := w.(*os.File); ok {
			console = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(ParseLogLevel(s.Level)).With().Timestamp().Logger()
}

// InitLogger installs NewLogger(os.Stderr, s) as the global logger.
func InitLogger(s LogSettings) {
	log.Logger = NewLogger(os.Stderr, s)
	zerolog.SetGlobalLevel(ParseLogLevel(s.Level))
}
