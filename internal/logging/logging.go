// Package logging configures the process-wide zerolog logger and hands out component loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger fields
const (
	COMPONENT = "component"
	DEVICE    = "device_id"
	OWNER     = "owner_id"
	TOPIC     = "topic"
	EVENT     = "event"
	SINK      = "sink"
	REASON    = "reason"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns the root logger for the given level and format ("json" or "console").
// An unknown level falls back to info.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with component=name.
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str(COMPONENT, name).Logger()
}
